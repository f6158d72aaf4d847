package middleware

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logRecord struct {
	Level  string `json:"level"`
	Msg    string `json:"msg"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

func decodeRecords(t *testing.T, buf *bytes.Buffer) []logRecord {
	t.Helper()
	var records []logRecord
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var r logRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		records = append(records, r)
	}
	return records
}

func TestTrajectory(t *testing.T) {
	type input struct {
		childErr error
		opts     []TrajectoryOption
	}
	type expected struct {
		messages []string
		statuses []string
		levels   []string
	}

	tests := []struct {
		name     string
		input    input
		expected expected
	}{
		{
			name:  "nested success",
			input: input{},
			expected: expected{
				messages: []string{"-> agent.planner", "  -> tool.search", "  <- tool.search", "<- agent.planner"},
				statuses: []string{"", "", "success", "success"},
				levels:   []string{"INFO", "INFO", "INFO", "INFO"},
			},
		},
		{
			name:  "nested failure is logged at error level",
			input: input{childErr: errBoom},
			expected: expected{
				messages: []string{"-> agent.planner", "  -> tool.search", "  <- tool.search", "<- agent.planner"},
				statuses: []string{"", "", "error", "error"},
				levels:   []string{"INFO", "INFO", "ERROR", "ERROR"},
			},
		},
		{
			name:  "target filter",
			input: input{opts: []TrajectoryOption{WithTargets("tool."), WithLevel(slog.LevelDebug)}},
			expected: expected{
				messages: []string{"  -> tool.search", "  <- tool.search"},
				statuses: []string{"", "success"},
				levels:   []string{"DEBUG", "DEBUG"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			_, _ = runNested(context.Background(), NewTrajectory(logger, tc.input.opts...), tc.input.childErr)

			records := decodeRecords(t, &buf)
			var messages, statuses, levels []string
			for _, r := range records {
				messages = append(messages, r.Msg)
				statuses = append(statuses, r.Status)
				levels = append(levels, r.Level)
				if r.Level == "ERROR" {
					assert.Contains(t, r.Error, "boom")
				}
			}
			assert.Equal(t, tc.expected.messages, messages)
			assert.Equal(t, tc.expected.statuses, statuses)
			assert.Equal(t, tc.expected.levels, levels)
		})
	}
}
