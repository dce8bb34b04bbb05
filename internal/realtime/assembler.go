package realtime

import (
	"sort"
	"strings"
	"time"
)

type ExchangeState string

const (
	ExchangeStreaming ExchangeState = "streaming"
	ExchangeFinalized ExchangeState = "finalized"
	ExchangeAborted   ExchangeState = "aborted"
)

// DefaultApology replaces an aborted response that produced no text at all.
const DefaultApology = "Sorry, the assistant could not finish this response. Please try again."

type StreamingExchange struct {
	RequestID      string
	SessionID      string
	OwnerConnID    string
	Chunks         []string
	State          ExchangeState
	FinalContent   string
	Truncated      bool
	Kind           MessageKind
	LastActivityAt time.Time
	ClosedAt       time.Time

	cumulative strings.Builder
	// stop cancels whatever is producing the chunks.
	stop func()
}

func (e *StreamingExchange) close(res ExchangeResult, now time.Time) {
	e.State = res.State
	e.FinalContent = res.Text
	e.Truncated = res.Truncated
	e.Kind = res.Kind
	e.ClosedAt = now
	if e.stop != nil {
		e.stop()
		e.stop = nil
	}
}

// Result is the exchange as an ExchangeResult. Text is the cumulative text
// while it is still streaming.
func (e *StreamingExchange) Result() ExchangeResult {
	res := ExchangeResult{
		RequestID:   e.RequestID,
		OwnerConnID: e.OwnerConnID,
		Text:        e.FinalContent,
		Truncated:   e.Truncated,
		Kind:        e.Kind,
		State:       e.State,
	}
	if e.State == ExchangeStreaming {
		res.Text = e.CumulativeText()
		res.Kind = KindText
	}
	return res
}

// CumulativeText is the full text generated so far.
func (e *StreamingExchange) CumulativeText() string {
	return e.cumulative.String()
}

// ExchangeResult is the terminal outcome of an exchange.
type ExchangeResult struct {
	RequestID   string
	OwnerConnID string
	Text        string
	Truncated   bool
	Kind        MessageKind
	State       ExchangeState
}

type AssemblerConfig struct {
	IdleTimeout time.Duration
	Retention   time.Duration
	ApologyText string
}

// Assembler rebuilds chunked responses into single messages.
type Assembler struct {
	cfg       AssemblerConfig
	exchanges map[string]*StreamingExchange
}

func NewAssembler(cfg AssemblerConfig) *Assembler {
	if cfg.ApologyText == "" {
		cfg.ApologyText = DefaultApology
	}
	return &Assembler{
		cfg:       cfg,
		exchanges: make(map[string]*StreamingExchange),
	}
}

func (a *Assembler) Start(sessionID, requestID, ownerConnID string, now time.Time) (*StreamingExchange, error) {
	if _, ok := a.exchanges[requestID]; ok {
		return nil, ErrExchangeExists
	}
	e := &StreamingExchange{
		RequestID:      requestID,
		SessionID:      sessionID,
		OwnerConnID:    ownerConnID,
		State:          ExchangeStreaming,
		LastActivityAt: now,
	}
	a.exchanges[requestID] = e
	return e, nil
}

// AppendChunk adds a delta and returns the cumulative text to republish.
func (a *Assembler) AppendChunk(requestID, chunk string, now time.Time) (string, error) {
	e, err := a.streaming(requestID)
	if err != nil {
		return "", err
	}
	e.Chunks = append(e.Chunks, chunk)
	e.cumulative.WriteString(chunk)
	e.LastActivityAt = now
	return e.cumulative.String(), nil
}

// Finalize closes the exchange with fullText, or with the cumulative text
// when fullText is empty.
func (a *Assembler) Finalize(requestID, fullText string, now time.Time) (ExchangeResult, error) {
	e, err := a.streaming(requestID)
	if err != nil {
		return ExchangeResult{}, err
	}
	if fullText == "" {
		fullText = e.CumulativeText()
	}
	res := ExchangeResult{
		RequestID:   requestID,
		OwnerConnID: e.OwnerConnID,
		Text:        fullText,
		Kind:        KindText,
		State:       ExchangeFinalized,
	}
	if strings.TrimSpace(fullText) == "" {
		res.Text = a.cfg.ApologyText
		res.Kind = KindSystem
	}
	e.close(res, now)
	return res, nil
}

// Abort closes the exchange with whatever partial text exists, or with the
// apology when nothing was produced.
func (a *Assembler) Abort(requestID string, now time.Time) (ExchangeResult, error) {
	e, err := a.streaming(requestID)
	if err != nil {
		return ExchangeResult{}, err
	}
	res := ExchangeResult{
		RequestID:   requestID,
		OwnerConnID: e.OwnerConnID,
		Text:        e.CumulativeText(),
		Truncated:   true,
		Kind:        KindText,
		State:       ExchangeAborted,
	}
	if strings.TrimSpace(res.Text) == "" {
		res.Text = a.cfg.ApologyText
		res.Kind = KindSystem
	}
	e.close(res, now)
	return res, nil
}

// OwnedBy lists the in-flight exchanges started by connID.
func (a *Assembler) OwnedBy(connID string) []string {
	var ids []string
	for id, e := range a.exchanges {
		if e.State == ExchangeStreaming && e.OwnerConnID == connID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Streaming lists every exchange still in flight.
func (a *Assembler) Streaming() []string {
	var ids []string
	for id, e := range a.exchanges {
		if e.State == ExchangeStreaming {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sweep archives terminal exchanges past retention and returns the
// streaming ones that have been idle too long. The caller aborts those.
func (a *Assembler) Sweep(now time.Time) []string {
	var idle []string
	for id, e := range a.exchanges {
		switch e.State {
		case ExchangeStreaming:
			if a.cfg.IdleTimeout > 0 && now.Sub(e.LastActivityAt) >= a.cfg.IdleTimeout {
				idle = append(idle, id)
			}
		default:
			if now.Sub(e.ClosedAt) >= a.cfg.Retention {
				delete(a.exchanges, id)
			}
		}
	}
	sort.Strings(idle)
	return idle
}

// Get returns the exchange for requestID, terminal ones included until archived.
func (a *Assembler) Get(requestID string) (*StreamingExchange, bool) {
	e, ok := a.exchanges[requestID]
	return e, ok
}

func (a *Assembler) streaming(requestID string) (*StreamingExchange, error) {
	e, ok := a.exchanges[requestID]
	if !ok {
		return nil, ErrUnknownExchange
	}
	switch e.State {
	case ExchangeFinalized:
		return nil, ErrExchangeAlreadyFinalized
	case ExchangeAborted:
		return nil, ErrExchangeAborted
	}
	return e, nil
}
