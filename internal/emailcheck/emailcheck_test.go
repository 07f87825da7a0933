package emailcheck

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	mu      sync.Mutex
	records map[string][]*net.MX
	errs    map[string]error
	block   bool
	calls   []string
}

func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	return f.records[name], nil
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newValidator(t *testing.T, r Resolver, opts Options) *Validator {
	t.Helper()
	v, err := New(r, opts, nil)
	require.NoError(t, err)
	return v
}

func TestValidateAcceptsMXBearingDomain(t *testing.T) {
	r := &fakeResolver{records: map[string][]*net.MX{
		"acme.io": {{Host: "aspmx.l.google.com.", Pref: 1}},
	}}
	v := newValidator(t, r, Options{})

	res := v.Validate(context.Background(), "Ada@Acme.io")
	assert.True(t, res.IsValid)
	assert.Equal(t, []string{"aspmx.l.google.com"}, res.MXRecords)
}

func TestPlaceholderSkipsNetwork(t *testing.T) {
	r := &fakeResolver{}
	v := newValidator(t, r, Options{})

	for _, addr := range []string{"placeholder@acme.io", "noreply@acme.io", "ada@acme.invalid", ""} {
		res := v.Validate(context.Background(), addr)
		assert.False(t, res.IsValid, addr)
		assert.Equal(t, ReasonPlaceholder, res.Reason, addr)
	}
	assert.Zero(t, r.Calls())
}

func TestDenyListsSkipNetwork(t *testing.T) {
	r := &fakeResolver{}
	v := newValidator(t, r, Options{})

	assert.Equal(t, ReasonFormat, v.Validate(context.Background(), "not-an-email").Reason)
	assert.Equal(t, ReasonTestDomain, v.Validate(context.Background(), "ada@example.com").Reason)
	assert.Equal(t, ReasonDisposable, v.Validate(context.Background(), "ada@mailinator.com").Reason)
	assert.Zero(t, r.Calls())
}

func TestZeroMXRecords(t *testing.T) {
	r := &fakeResolver{
		records: map[string][]*net.MX{"empty.io": {}},
		errs: map[string]error{
			"gone.io": &net.DNSError{Err: "no such host", Name: "gone.io", IsNotFound: true},
		},
	}
	v := newValidator(t, r, Options{})

	for _, addr := range []string{"a@empty.io", "a@gone.io"} {
		res := v.Validate(context.Background(), addr)
		assert.False(t, res.IsValid)
		assert.Equal(t, ReasonNoMX, res.Reason)
		assert.Contains(t, res.Reason, "no mail server")
	}
}

func TestNullMXIsNoMailServer(t *testing.T) {
	r := &fakeResolver{records: map[string][]*net.MX{"null.io": {{Host: ".", Pref: 0}}}}
	v := newValidator(t, r, Options{})
	assert.Equal(t, ReasonNoMX, v.Validate(context.Background(), "a@null.io").Reason)
}

func TestLookupErrorFailsClosed(t *testing.T) {
	r := &fakeResolver{errs: map[string]error{"flaky.io": errors.New("server misbehaving")}}
	v := newValidator(t, r, Options{})

	res := v.Validate(context.Background(), "a@flaky.io")
	assert.False(t, res.IsValid)
	assert.Equal(t, "DNS lookup failed: server misbehaving", res.Reason)
}

func TestLookupTimeoutFailsClosed(t *testing.T) {
	r := &fakeResolver{block: true}
	v := newValidator(t, r, Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	res := v.Validate(context.Background(), "a@slow.io")
	assert.False(t, res.IsValid)
	assert.Equal(t, "DNS lookup failed: DNS lookup timeout", res.Reason)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCatchAllMXPattern(t *testing.T) {
	r := &fakeResolver{records: map[string][]*net.MX{
		"parked.io": {{Host: "mx1.parkingcrew.net.", Pref: 10}},
	}}
	v := newValidator(t, r, Options{})

	res := v.Validate(context.Background(), "a@parked.io")
	assert.False(t, res.IsValid)
	assert.Equal(t, ReasonCatchAll, res.Reason)

	// disabling the patterns accepts the same domain
	v = newValidator(t, r, Options{CatchAllMX: []string{}})
	assert.True(t, v.Validate(context.Background(), "a@parked.io").IsValid)
}

func TestValidateBatchIsSequentialAndDelayed(t *testing.T) {
	r := &fakeResolver{records: map[string][]*net.MX{
		"acme.io": {{Host: "mail.acme.io.", Pref: 1}},
	}}
	v := newValidator(t, r, Options{})

	addrs := []string{"a@acme.io", "b@acme.io", "c@example.com"}
	start := time.Now()
	out, err := v.ValidateBatch(context.Background(), addrs, 30*time.Millisecond)
	require.NoError(t, err)

	assert.Len(t, out, 3)
	assert.True(t, out["a@acme.io"].IsValid)
	assert.False(t, out["c@example.com"].IsValid)
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestValidateBatchStopsOnCancel(t *testing.T) {
	v := newValidator(t, &fakeResolver{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.ValidateBatch(ctx, []string{"a@example.com"}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
