package sourcing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-engine/internal/domain"
	"outreach-engine/internal/emailcheck"
	"outreach-engine/internal/store"
)

type batchFake struct{ calls [][]string }

func (b *batchFake) ValidateBatch(_ context.Context, addrs []string, _ time.Duration) (map[string]emailcheck.Result, error) {
	b.calls = append(b.calls, addrs)
	out := map[string]emailcheck.Result{}
	for _, a := range addrs {
		if strings.HasSuffix(a, "@example.com") {
			out[a] = emailcheck.Result{IsValid: false, Reason: emailcheck.ReasonTestDomain}
			continue
		}
		out[a] = emailcheck.Result{IsValid: true, Reason: "ok"}
	}
	return out, nil
}

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sourcing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAdmit(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	_, _, err := db.InsertLead(ctx, domain.Lead{Email: "known@acme.io"})
	require.NoError(t, err)

	v := &batchFake{}
	a := NewAdmitter(db, v, 0, nil)
	sum, err := a.Admit(ctx, "conference", []Candidate{
		{Email: "Ada@Acme.io", FirstName: " Ada ", Timezone: "Europe/London"},
		{Email: "ada@acme.io"},
		{Email: "known@acme.io"},
		{Email: "test@example.com"},
		{Email: "  "},
	})
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Received)
	assert.Len(t, sum.Inserted, 1)
	assert.Equal(t, 2, sum.Duplicates)
	require.Len(t, sum.Rejected, 2)
	assert.Equal(t, emailcheck.ReasonFormat, sum.Rejected[0].Reason)
	assert.Equal(t, Rejection{Email: "test@example.com", Reason: emailcheck.ReasonTestDomain}, sum.Rejected[1])
	require.Len(t, v.calls, 1)
	assert.Equal(t, []string{"ada@acme.io", "known@acme.io", "test@example.com"}, v.calls[0])

	lead, err := db.GetLead(ctx, sum.Inserted[0])
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, lead.Status)
	assert.Equal(t, "Ada", lead.FirstName)
	assert.Equal(t, "conference", lead.DataSource)
	assert.NotNil(t, lead.DataSourceDate)
}

type failingConnector struct{}

func (failingConnector) Name() string { return "broken" }
func (failingConnector) Fetch(context.Context) ([]Candidate, error) {
	return nil, errors.New("upstream down")
}

func TestPullWithFileConnector(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leads.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
leads:
  - email: grace@navy.mil
    first_name: Grace
    company_name: Navy
  - email: alan@bletchley.uk
`), 0o644))

	jsonPath := filepath.Join(dir, "more.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"email": "linus@kernel.org", "timezone": "UTC"}]`), 0o644))

	db := openStore(t)
	a := NewAdmitter(db, &batchFake{}, 0, nil)

	sums, err := a.Pull(context.Background(), FileConnector{Path: path}, failingConnector{}, FileConnector{Path: jsonPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	require.Len(t, sums, 2)
	assert.Equal(t, "file:leads", sums[0].Source)
	assert.Len(t, sums[0].Inserted, 2)
	assert.Equal(t, "file:more", sums[1].Source)
	assert.Len(t, sums[1].Inserted, 1)

	l, err := db.GetLeadByEmail(context.Background(), "linus@kernel.org")
	require.NoError(t, err)
	assert.Equal(t, "UTC", l.Timezone)
}

func TestFileConnectorMissingFile(t *testing.T) {
	_, err := FileConnector{Path: filepath.Join(t.TempDir(), "nope.yml")}.Fetch(context.Background())
	assert.Error(t, err)
}
