package mangle

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"replyassist/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

//go:embed lifecycle.mg
var lifecycleSchema string

// Fact is one lifecycle observation.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// WatchEvent is emitted when a watched predicate holds facts after evaluation.
type WatchEvent struct {
	Predicate string    `json:"predicate"`
	Facts     []Fact    `json:"facts"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine wraps the Mangle deductive database. Base facts live in a bounded
// temporal buffer; rules from the built-in lifecycle schema (plus an optional
// schema file) are evaluated over that buffer after every insert.
type Engine struct {
	cfg config.MangleConfig
	log *zap.Logger

	mu          sync.RWMutex
	programInfo *analysis.ProgramInfo
	sources     []string
	store       factstore.FactStore

	facts []Fact
	index map[string][]int

	subMu         sync.RWMutex
	subscriptions map[string][]chan WatchEvent
}

// NewEngine creates an engine. When enabled, the lifecycle schema is always
// loaded; cfg.SchemaPath adds rules on top of it.
func NewEngine(cfg config.MangleConfig, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:           cfg,
		log:           log,
		store:         factstore.NewSimpleInMemoryStore(),
		facts:         make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:         make(map[string][]int),
		subscriptions: make(map[string][]chan WatchEvent),
	}
	if !cfg.Enable {
		return e, nil
	}

	if err := e.load(lifecycleSchema); err != nil {
		return nil, fmt.Errorf("lifecycle schema: %w", err)
	}
	if cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadSchema adds the rules in a schema file to the program.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if err := e.load(string(data)); err != nil {
		return fmt.Errorf("schema %s: %w", path, err)
	}
	return nil
}

// AddRule adds Mangle declarations and rules at runtime.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}
	return e.load(ruleSource)
}

// load re-analyzes every source seen so far together with src, so new rules
// may refer to earlier declarations.
func (e *Engine) load(src string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	program := strings.Join(append(append([]string(nil), e.sources...), src), "\n")
	unit, err := parse.Unit(strings.NewReader(program))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	e.sources = append(e.sources, src)
	e.programInfo = info
	return e.evalLocked()
}

// AddFacts appends facts to the buffer, then evaluates rules.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	baseIdx := len(e.facts)
	e.facts = append(e.facts, facts...)
	if e.cfg.FactBufferLimit > 0 && len(e.facts) > e.cfg.FactBufferLimit {
		trim := len(e.facts) - e.cfg.FactBufferLimit
		e.facts = e.facts[trim:]
		e.rebuildIndex()
	} else {
		for i, f := range facts {
			e.index[f.Predicate] = append(e.index[f.Predicate], baseIdx+i)
		}
	}

	if err := e.evalLocked(); err != nil {
		return fmt.Errorf("eval program after fact insertion: %w", err)
	}
	e.checkAndNotifyWatchers()
	return nil
}

// evalLocked rebuilds the store from the buffer and evaluates the program.
// Derived facts are never carried over, so negated rules see current state.
func (e *Engine) evalLocked() error {
	store := factstore.NewSimpleInMemoryStore()
	for _, f := range e.facts {
		store.Add(factToAtom(f))
	}
	if e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, store); err != nil {
			e.log.Debug("mangle evaluation failed", zap.Error(err))
			return err
		}
	}
	e.store = store
	return nil
}

func (e *Engine) checkAndNotifyWatchers() {
	for _, predicate := range e.WatchPredicates() {
		facts := e.derivedLocked(predicate)
		if len(facts) > 0 {
			e.notifySubscribers(predicate, facts)
		}
	}
}

// Subscribe registers ch for events on predicate. Full channels are skipped.
func (e *Engine) Subscribe(predicate string, ch chan WatchEvent) string {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscriptions[predicate] = append(e.subscriptions[predicate], ch)
	return fmt.Sprintf("%s:%p", predicate, ch)
}

// Unsubscribe removes ch from predicate's subscribers.
func (e *Engine) Unsubscribe(predicate string, ch chan WatchEvent) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	chans := e.subscriptions[predicate]
	for i, c := range chans {
		if c == ch {
			e.subscriptions[predicate] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
}

func (e *Engine) notifySubscribers(predicate string, facts []Fact) {
	e.subMu.RLock()
	chans := append([]chan WatchEvent(nil), e.subscriptions[predicate]...)
	e.subMu.RUnlock()

	evt := WatchEvent{Predicate: predicate, Facts: facts, Timestamp: time.Now()}
	for _, ch := range chans {
		select {
		case ch <- evt:
		default:
		}
	}
}

// WatchPredicates lists predicates with at least one subscriber.
func (e *Engine) WatchPredicates() []string {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	out := make([]string, 0, len(e.subscriptions))
	for p, chs := range e.subscriptions {
		if len(chs) > 0 {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Query matches a single atom such as `attached(S, "#inbox")` against the
// store and binds its variables. Constants must match exactly.
func (e *Engine) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, fmt.Errorf("engine not ready")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := strings.TrimSpace(queryStr)
	q = strings.TrimPrefix(q, "?")
	if !strings.HasSuffix(q, ".") {
		q += "."
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(q)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	queryAtom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(ast.NewQuery(queryAtom.Predicate), func(atom ast.Atom) error {
		if r, ok := bind(queryAtom.Args, atom.Args); ok {
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return results, nil
}

func bind(pattern, args []ast.BaseTerm) (QueryResult, bool) {
	if len(pattern) != len(args) {
		return nil, false
	}
	out := make(QueryResult)
	for i, p := range pattern {
		switch term := p.(type) {
		case ast.Variable:
			if term.Symbol == "_" {
				continue
			}
			val := convertConstant(args[i])
			if prev, seen := out[term.Symbol]; seen && fmt.Sprint(prev) != fmt.Sprint(val) {
				return nil, false
			}
			out[term.Symbol] = val
		case ast.Constant:
			if fmt.Sprint(convertConstant(term)) != fmt.Sprint(convertConstant(args[i])) {
				return nil, false
			}
		}
	}
	return out, true
}

// Evaluate returns every fact the store holds for predicate, base or derived.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.Ready() || !e.cfg.Enable {
		return nil, fmt.Errorf("engine not ready")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.evalLocked(); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}
	return e.derivedLocked(predicate), nil
}

func (e *Engine) derivedLocked(predicate string) []Fact {
	facts := make([]Fact, 0)
	if e.programInfo == nil {
		return facts
	}
	for sym := range e.programInfo.Decls {
		if sym.Symbol != predicate {
			continue
		}
		_ = e.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
			facts = append(facts, atomToFact(atom))
			return nil
		})
	}
	return facts
}

// Predicates lists every declared predicate with its arity.
func (e *Engine) Predicates() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.programInfo == nil {
		return nil
	}
	out := make([]string, 0, len(e.programInfo.Decls))
	for sym := range e.programInfo.Decls {
		out = append(out, fmt.Sprintf("%s/%d", sym.Symbol, sym.Arity))
	}
	sort.Strings(out)
	return out
}

// QueryTemporal returns buffered facts for predicate within (after, before).
// Zero bounds are open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		if idx < 0 || idx >= len(e.facts) {
			continue
		}
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}
	return results
}

// FactsByPredicate returns buffered facts for predicate.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	return e.QueryTemporal(predicate, time.Time{}, time.Time{})
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether the engine can answer queries.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.programInfo != nil || !e.cfg.Enable
}

// Enabled reports whether facts are being collected.
func (e *Engine) Enabled() bool { return e.cfg.Enable }

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{Predicate: atom.Predicate.Symbol, Args: args, Timestamp: time.Now()}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(c ast.BaseTerm) interface{} {
	switch term := c.(type) {
	case ast.Constant:
		switch term.Type {
		case ast.StringType, ast.NameType:
			return term.Symbol
		case ast.NumberType:
			return term.NumValue
		case ast.Float64Type:
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	case nil:
		return nil
	default:
		return fmt.Sprintf("%v", c)
	}
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}
