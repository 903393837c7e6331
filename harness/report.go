package harness

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/edup2p/turntest/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type ProcessStats struct {
	ThreadCnt  int    `json:"thread_cnt"`
	TurnHost   string `json:"turn_host"`
	TurnPort   int    `json:"turn_port"`
	ClientHost string `json:"client_host"`
	StartPort  int    `json:"start_port"`
	EndPort    int    `json:"end_port"`
	MessageCnt int    `json:"message_cnt"`
}

type ThreadStats struct {
	AllocationState        Outcome `json:"allocation_state"`
	BindingState           Outcome `json:"binding_state"`
	DataPeerClientErrorCnt int     `json:"data_peer_client_error_cnt"`
	DataClientPeerErrorCnt int     `json:"data_client_peer_error_cnt"`
}

// Report is the outcome of one run.
type Report struct {
	ProcessStats ProcessStats  `json:"process_stats"`
	ThreadStats  []ThreadStats `json:"thread_stats"`
	Summary      Summary       `json:"summary"`
}

func processStats(cfg Config) ProcessStats {
	return ProcessStats{
		ThreadCnt:  cfg.Sessions,
		TurnHost:   cfg.TurnHost,
		TurnPort:   cfg.TurnPort,
		ClientHost: cfg.ClientHost,
		StartPort:  cfg.StartPort,
		EndPort:    cfg.EndPort(),
		MessageCnt: cfg.Messages,
	}
}

func threadStats(r Result) ThreadStats {
	return ThreadStats{
		AllocationState:        r.Allocation,
		BindingState:           r.Binding,
		DataPeerClientErrorCnt: r.PeerClientErrors,
		DataClientPeerErrorCnt: r.ClientPeerErrors,
	}
}

// NewReport assembles a report from a finished run.
func NewReport(cfg Config, stats *Stats) *Report {
	return &Report{
		ProcessStats: processStats(cfg),
		ThreadStats:  types.Map(stats.Results(), threadStats),
		Summary:      stats.Summary(),
	}
}

// Write encodes the report to w.
//
// ReportFormatLines writes one object per line: process_stats, one thread_stats per
// session, then the summary. ReportFormatJSON writes the report as one document.
func (r *Report) Write(w io.Writer, format string) error {
	switch format {
	case ReportFormatJSON:
		return writeLine(w, r)
	case ReportFormatLines:
		if err := writeLine(w, map[string]any{"process_stats": r.ProcessStats}); err != nil {
			return err
		}
		for _, ts := range r.ThreadStats {
			if err := writeLine(w, map[string]any{"thread_stats": ts}); err != nil {
				return err
			}
		}
		return writeLine(w, map[string]any{"summary": r.Summary})
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func writeLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
