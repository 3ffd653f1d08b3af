// Package instrument handles tradable symbol parsing, normalisation and
// the registry of instruments the engine accepts orders for.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// DefaultSymbols is the supported set when none is configured.
var DefaultSymbols = []string{"BTC", "ETH", "SOL", "ADA", "DOT", "LINK", "MATIC", "AVAX"}

// symbolRegex matches: {BASE} or {BASE}-{QUOTE}
// Examples: BTC, ETH-USD, MATIC-USDT
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})(?:-([A-Z]{3,4}))?$`)

var (
	ErrInvalidSymbol = errors.New("instrument: invalid symbol format")
	ErrUnsupported   = errors.New("instrument: unsupported instrument")
)

// Symbol is a parsed instrument symbol.
type Symbol struct {
	Raw   string `json:"raw"`
	Base  string `json:"base"`
	Quote string `json:"quote,omitempty"`
}

// Parse normalises (trim, upper-case) and validates a symbol string.
func Parse(s string) (Symbol, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	m := symbolRegex.FindStringSubmatch(norm)
	if m == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected BASE or BASE-QUOTE)", ErrInvalidSymbol, s)
	}
	return Symbol{Raw: norm, Base: m[1], Quote: m[2]}, nil
}

// DefaultQuote is the quote currency when none is configured.
const DefaultQuote = "USD"

// Registry holds the set of tradable instruments, keyed by base symbol.
// A quoted form (BTC-USD) resolves to its base (BTC) only when quoted in the
// registry's currency.
type Registry struct {
	mu      sync.RWMutex
	quote   string
	symbols map[string]bool
}

// NewRegistry creates a registry seeded with symbols, priced in quote (empty
// means DefaultQuote). Invalid entries are reported as an error.
func NewRegistry(symbols []string, quote string) (*Registry, error) {
	if quote == "" {
		quote = DefaultQuote
	}
	r := &Registry{quote: strings.ToUpper(quote), symbols: make(map[string]bool, len(symbols))}
	for _, s := range symbols {
		if err := r.Add(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a symbol.
func (r *Registry) Add(s string) error {
	sym, err := Parse(s)
	if err != nil {
		return err
	}
	if err := r.checkQuote(sym); err != nil {
		return err
	}
	r.mu.Lock()
	r.symbols[sym.Base] = true
	r.mu.Unlock()
	return nil
}

// Resolve validates s and returns the canonical instrument key (the base
// symbol). Unknown instruments fail with ErrUnsupported.
func (r *Registry) Resolve(s string) (string, error) {
	sym, err := Parse(s)
	if err != nil {
		return "", err
	}
	if err := r.checkQuote(sym); err != nil {
		return "", err
	}
	r.mu.RLock()
	ok := r.symbols[sym.Base]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, sym.Base)
	}
	return sym.Base, nil
}

// Quote returns the currency every instrument is priced in.
func (r *Registry) Quote() string { return r.quote }

func (r *Registry) checkQuote(sym Symbol) error {
	if sym.Quote != "" && sym.Quote != r.quote {
		return fmt.Errorf("%w: %s is quoted in %s, only %s is traded", ErrUnsupported, sym.Raw, sym.Quote, r.quote)
	}
	return nil
}

// Supported reports whether s resolves to a registered instrument.
func (r *Registry) Supported(s string) bool {
	_, err := r.Resolve(s)
	return err == nil
}

// List returns the registered symbols in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.symbols))
	for s := range r.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
