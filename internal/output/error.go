package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mrz1836/ethrpc/pkg/rpcerrors"
)

// ErrorOutput represents a structured error for JSON output.
type ErrorOutput struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Code     int    `json:"code,omitempty"`
	Data     any    `json:"data,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// FormatError formats an error for display.
func FormatError(w io.Writer, err error, format Format) error {
	if err == nil {
		return nil
	}

	if format == FormatJSON {
		return formatErrorJSON(w, err)
	}
	return formatErrorText(w, err)
}

// formatErrorJSON outputs error in JSON format.
func formatErrorJSON(w io.Writer, err error) error {
	var re *rpcerrors.RPCError
	if errors.As(err, &re) {
		output := ErrorOutput{
			Error: ErrorDetail{
				Kind:     string(re.Kind),
				Message:  re.Message,
				Code:     re.Code,
				Data:     re.Data,
				Attempts: re.Attempts,
			},
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(output)
	}

	output := ErrorOutput{
		Error: ErrorDetail{
			Kind:    "general",
			Message: err.Error(),
		},
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

// formatErrorText outputs error in text format.
func formatErrorText(w io.Writer, err error) error {
	var sb strings.Builder

	var re *rpcerrors.RPCError
	if errors.As(err, &re) {
		sb.WriteString(fmt.Sprintf("Error [%s]: %s\n", re.Kind, re.Message))
		if re.Code != 0 {
			sb.WriteString(fmt.Sprintf("  code: %d\n", re.Code))
		}
		if re.Attempts > 0 {
			sb.WriteString(fmt.Sprintf("  attempts: %d over %s\n", re.Attempts, re.Duration))
		}
	} else {
		sb.WriteString(fmt.Sprintf("Error: %s\n", err.Error()))
	}

	_, writeErr := w.Write([]byte(sb.String()))
	return writeErr
}

// FormatSuccess formats a success message.
func FormatSuccess(w io.Writer, message string, format Format) error {
	if format == FormatJSON {
		output := map[string]string{"status": "success", "message": message}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(output)
	}
	_, err := fmt.Fprintln(w, message)
	return err
}
