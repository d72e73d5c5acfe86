package driver

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/jkaninda/velocity/internal/events"
)

//go:embed runner.py
var runnerScript []byte

// Script returns the Python program that runs the agent inside a sandbox.
func Script() []byte {
	return runnerScript
}

// LoopbackScript returns a shell wrapper that hands its arguments to the
// loopback driver of the given executable.
func LoopbackScript(executable string) []byte {
	return []byte("#!/bin/sh\nexec " + strconv.Quote(executable) + " driver \"$@\"\n")
}

// RunConfig is the JSON configuration blob passed with --config.
type RunConfig struct {
	ModelOpus    string  `json:"model_opus,omitempty"`
	ModelSonnet  string  `json:"model_sonnet,omitempty"`
	MaxTurns     int     `json:"max_turns,omitempty"`
	MaxBudgetUSD float64 `json:"max_budget_usd,omitempty"`
	SlackTeamID  string  `json:"slack_team_id"`
}

// Invocation is everything the sandbox program receives on its command line.
// Credentials travel through the environment, never through argv.
type Invocation struct {
	Message   string
	SessionID string
	Config    RunConfig
	History   []events.Turn
}

// Args renders the invocation as program arguments.
func (inv Invocation) Args() ([]string, error) {
	cfg, err := json.Marshal(inv.Config)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	history := inv.History
	if history == nil {
		history = []events.Turn{}
	}
	hist, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("encoding history: %w", err)
	}
	// The joined form keeps values that start with a dash unambiguous.
	return []string{
		"--message=" + inv.Message,
		"--session-id=" + inv.SessionID,
		"--config=" + string(cfg),
		"--history=" + string(hist),
	}, nil
}

// ParseArgs is the inverse of Args.
func ParseArgs(args []string) (Invocation, error) {
	fs := pflag.NewFlagSet("driver", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	message := fs.String("message", "", "user message")
	sessionID := fs.String("session-id", "", "session id")
	cfg := fs.String("config", "{}", "JSON configuration")
	history := fs.String("history", "[]", "JSON array of prior turns")
	if err := fs.Parse(args); err != nil {
		return Invocation{}, err
	}
	if *message == "" {
		return Invocation{}, errors.New("--message is required")
	}
	if *sessionID == "" {
		return Invocation{}, errors.New("--session-id is required")
	}

	inv := Invocation{Message: *message, SessionID: *sessionID}
	if err := json.Unmarshal([]byte(*cfg), &inv.Config); err != nil {
		return Invocation{}, fmt.Errorf("invalid --config: %w", err)
	}
	if err := json.Unmarshal([]byte(*history), &inv.History); err != nil {
		return Invocation{}, fmt.Errorf("invalid --history: %w", err)
	}
	return inv, nil
}
