package emailcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Resolver is the subset of *net.Resolver the gate needs.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

type Result struct {
	IsValid   bool     `json:"isValid"`
	Reason    string   `json:"reason,omitempty"`
	MXRecords []string `json:"mxRecords,omitempty"`
}

type Options struct {
	// Timeout bounds one MX lookup. Default 5s.
	Timeout time.Duration

	PlaceholderSubstrings []string
	PlaceholderSuffixes   []string
	InvalidDomains        []string
	DisposableDomains     []string
	// CatchAllMX host patterns reject domains served by generic numbered MX hosts.
	CatchAllMX []string
}

func DefaultOptions() Options {
	return Options{
		Timeout: 5 * time.Second,
		PlaceholderSubstrings: []string{
			"placeholder", "noreply", "no-reply", "donotreply", "yourname", "your.name",
			"firstname", "first.last", "john.doe", "jane.doe", "unknown@", "null@", "xxx@",
		},
		PlaceholderSuffixes: []string{
			".invalid", ".example", ".test", ".localhost", ".local", "@email.com", "@domain.com",
		},
		InvalidDomains: []string{
			"example.com", "example.org", "example.net", "test.com", "test.local",
			"invalid.com", "fake.com", "dummy.com", "sample.com",
		},
		DisposableDomains: []string{
			"tempmail.com", "10minutemail.com", "guerrillamail.com", "mailinator.com",
			"throwaway.email", "getnada.com", "mohmal.com", "yopmail.com", "maildrop.cc",
			"trashmail.com", "temp-mail.org", "mailnesia.com", "mintemail.com",
			"sharklasers.com", "grr.la", "guerrillamailblock.com",
		},
		CatchAllMX: []string{`^mail\d+\.`, `^smtp\d+\.`, `^mx\d+\.`},
	}
}

var formatRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

const (
	ReasonPlaceholder = "Placeholder email detected"
	ReasonFormat      = "Invalid email format"
	ReasonDomain      = "Invalid domain"
	ReasonTestDomain  = "Test/invalid domain not allowed"
	ReasonDisposable  = "Disposable email provider not allowed"
	ReasonNoMX        = "No MX records found (domain has no mail server)"
	ReasonCatchAll    = "Catch-all mail server pattern detected (likely abandoned domain)"
)

type Validator struct {
	resolver Resolver
	opts     Options
	catchAll []*regexp.Regexp
	invalid  map[string]bool
	dispos   map[string]bool
	log      *slog.Logger
}

func New(resolver Resolver, opts Options, log *slog.Logger) (*Validator, error) {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.PlaceholderSubstrings == nil {
		opts.PlaceholderSubstrings = def.PlaceholderSubstrings
	}
	if opts.PlaceholderSuffixes == nil {
		opts.PlaceholderSuffixes = def.PlaceholderSuffixes
	}
	if opts.InvalidDomains == nil {
		opts.InvalidDomains = def.InvalidDomains
	}
	if opts.DisposableDomains == nil {
		opts.DisposableDomains = def.DisposableDomains
	}
	if opts.CatchAllMX == nil {
		opts.CatchAllMX = def.CatchAllMX
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if log == nil {
		log = slog.Default()
	}

	v := &Validator{
		resolver: resolver,
		opts:     opts,
		invalid:  toSet(opts.InvalidDomains),
		dispos:   toSet(opts.DisposableDomains),
		log:      log.With("component", "emailcheck"),
	}
	for _, p := range opts.CatchAllMX {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("catch-all pattern %q: %w", p, err)
		}
		v.catchAll = append(v.catchAll, re)
	}
	return v, nil
}

func toSet(xs []string) map[string]bool {
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[strings.ToLower(strings.TrimSpace(x))] = true
	}
	return m
}

// IsPlaceholder reports whether addr matches a known synthetic address pattern.
func (v *Validator) IsPlaceholder(addr string) bool {
	a := strings.ToLower(strings.TrimSpace(addr))
	if a == "" {
		return true
	}
	for _, s := range v.opts.PlaceholderSubstrings {
		if s != "" && strings.Contains(a, strings.ToLower(s)) {
			return true
		}
	}
	for _, s := range v.opts.PlaceholderSuffixes {
		if s != "" && strings.HasSuffix(a, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// Validate runs the checks in order and stops at the first failure. Any DNS
// uncertainty is reported as invalid.
func (v *Validator) Validate(ctx context.Context, addr string) Result {
	addr = strings.TrimSpace(addr)

	if v.IsPlaceholder(addr) {
		return Result{Reason: ReasonPlaceholder}
	}
	if !formatRe.MatchString(addr) {
		return Result{Reason: ReasonFormat}
	}

	at := strings.LastIndexByte(addr, '@')
	domain := strings.ToLower(addr[at+1:])
	if domain == "" {
		return Result{Reason: ReasonDomain}
	}
	if v.invalid[domain] {
		return Result{Reason: ReasonTestDomain}
	}
	if v.dispos[domain] {
		return Result{Reason: ReasonDisposable}
	}

	return v.checkMX(ctx, domain)
}

func (v *Validator) checkMX(ctx context.Context, domain string) Result {
	lookupCtx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	records, err := v.resolver.LookupMX(lookupCtx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return Result{Reason: ReasonNoMX, MXRecords: []string{}}
		}
		if errors.Is(err, context.DeadlineExceeded) || lookupCtx.Err() != nil {
			err = errors.New("DNS lookup timeout")
		}
		v.log.Warn("mx lookup failed", "domain", domain, "err", err)
		return Result{Reason: "DNS lookup failed: " + err.Error(), MXRecords: []string{}}
	}

	hosts := make([]string, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		h := strings.ToLower(strings.TrimSuffix(r.Host, "."))
		if h != "" && h != "." {
			hosts = append(hosts, h)
		}
	}
	// a null MX ("." only) means the domain accepts no mail
	if len(hosts) == 0 {
		return Result{Reason: ReasonNoMX, MXRecords: []string{}}
	}

	for _, h := range hosts {
		for _, re := range v.catchAll {
			if re.MatchString(h) {
				return Result{Reason: ReasonCatchAll, MXRecords: hosts}
			}
		}
	}
	return Result{IsValid: true, MXRecords: hosts}
}

// ValidateBatch validates addrs one at a time, waiting delay between items so
// the shared resolver is not flooded. A non-positive delay disables the wait.
func (v *Validator) ValidateBatch(ctx context.Context, addrs []string, delay time.Duration) (map[string]Result, error) {
	out := make(map[string]Result, len(addrs))

	var lim *rate.Limiter
	if delay > 0 {
		lim = rate.NewLimiter(rate.Every(delay), 1)
	}

	for _, a := range addrs {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return out, err
			}
		}
		out[a] = v.Validate(ctx, a)
	}
	return out, nil
}

const DefaultBatchDelay = 100 * time.Millisecond
