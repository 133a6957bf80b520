package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/inapp/internal/model"
)

// eventFlags are the flags shared by commands that build an analytics event.
type eventFlags struct {
	name    string
	attrs   []string
	metrics []string
}

func (f *eventFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.name, "event", "e", "", "event name (required)")
	cmd.Flags().StringArrayVarP(&f.attrs, "attr", "a", nil, "event attribute as key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&f.metrics, "metric", "m", nil, "event metric as key=number (repeatable)")
	_ = cmd.MarkFlagRequired("event")
}

// event builds the model.Event described by the flags.
func (f *eventFlags) event() (model.Event, error) {
	if strings.TrimSpace(f.name) == "" {
		return model.Event{}, NewExitError(ExitCommandError, "event name must not be empty")
	}
	attrs, err := parseAttributes(f.attrs)
	if err != nil {
		return model.Event{}, WrapExitError(ExitCommandError, "invalid --attr", err)
	}
	metrics, err := parseMetrics(f.metrics)
	if err != nil {
		return model.Event{}, WrapExitError(ExitCommandError, "invalid --metric", err)
	}
	return model.Event{Name: f.name, Attributes: attrs, Metrics: metrics}, nil
}

// parseAttributes turns key=value pairs into a map. Later keys win. The
// result is nil when pairs is empty.
func parseAttributes(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

// parseMetrics turns key=number pairs into a map.
func parseMetrics(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		key, raw, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("metric %q: %w", key, err)
		}
		out[key] = value
	}
	return out, nil
}

func splitPair(pair string) (string, string, error) {
	key, value, ok := strings.Cut(pair, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("%q is not key=value", pair)
	}
	return key, value, nil
}
