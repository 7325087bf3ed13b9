package orchestrator

import (
	"fmt"

	"cryptoview/pkg/aggregator"
)

// Phase is where a stage is in its lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseReady
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Stage is one step of the dependent fetch pipeline.
type Stage int

const (
	StageNone Stage = iota
	StageExchanges
	StageOverview // markets + per-market prices of the selected exchange
	StageTrades
	StageValidation
	stageCount
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageExchanges:
		return "exchanges"
	case StageOverview:
		return "overview"
	case StageTrades:
		return "trades"
	case StageValidation:
		return "validation"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// State is a tagged pipeline state: Idle, Loading{Stage}, Ready{Stage} or
// Failed{Stage, Err}. Err is set only when Phase is PhaseFailed.
type State struct {
	Phase Phase
	Stage Stage
	Err   string
}

func idle() State                      { return State{Phase: PhaseIdle} }
func loading(s Stage) State            { return State{Phase: PhaseLoading, Stage: s} }
func ready(s Stage) State              { return State{Phase: PhaseReady, Stage: s} }
func failed(s Stage, msg string) State { return State{Phase: PhaseFailed, Stage: s, Err: msg} }

func (s State) String() string {
	switch s.Phase {
	case PhaseIdle:
		return "idle"
	case PhaseFailed:
		return fmt.Sprintf("failed(%s: %s)", s.Stage, s.Err)
	}
	return fmt.Sprintf("%s(%s)", s.Phase, s.Stage)
}

// Loading reports whether a fetch of the given stage is in flight.
func (s State) Loading(stage Stage) bool {
	return s.Phase == PhaseLoading && s.Stage == stage
}

// OverviewRow is one priced market of the selected exchange.
type OverviewRow struct {
	Exchange  string               `json:"exchange"`
	Market    aggregator.Market    `json:"market"`
	Symbol    string               `json:"symbol"`
	Price     float64              `json:"price"`
	Timestamp aggregator.Timestamp `json:"timestamp"`
}

// View is the view model consumed by the rendering layer. Data of earlier
// stages stays populated when a later stage loads or fails.
type View struct {
	State State `json:"state"`

	Exchanges        []aggregator.ExchangeRef `json:"exchanges"`
	SelectedExchange string                   `json:"selectedExchange"`
	Markets          []aggregator.Market      `json:"markets"`
	Overview         []OverviewRow            `json:"overview"`
	SelectedMarket   aggregator.Market        `json:"selectedMarket"`
	Trades           []aggregator.Trade       `json:"trades"`

	// The validation pass runs beside the navigation pipeline, so it has
	// its own state. ValidExchanges grows after every batch.
	Validation     State                    `json:"validation"`
	ValidExchanges []aggregator.ExchangeRef `json:"validExchanges"`
}

func (v View) clone() View {
	out := v
	out.Exchanges = append([]aggregator.ExchangeRef(nil), v.Exchanges...)
	out.Markets = append([]aggregator.Market(nil), v.Markets...)
	out.Overview = append([]OverviewRow(nil), v.Overview...)
	out.Trades = append([]aggregator.Trade(nil), v.Trades...)
	out.ValidExchanges = append([]aggregator.ExchangeRef(nil), v.ValidExchanges...)
	return out
}
