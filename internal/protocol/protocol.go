// Package protocol defines the text command protocol spoken between the
// controller and the worker over the unix socket. Frames are single lines;
// the first token is the command and everything after the first space is
// its argument.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"wifisurvey/internal/model"
)

// MaxFrameSize bounds a single frame, newline excluded.
const MaxFrameSize = 64 * 1024

// Commands.
const (
	CmdStartMeasurement = "START_MEASUREMENT"
	CmdChange           = "CHANGE"
	CmdExit             = "EXIT"
)

// Responses.
const (
	RespEmptyArgs           = "EMPTY_ARGS"
	RespMeasurementFinished = "MEASUREMENT_FINISHED"
	RespChangeOK            = "CHANGE_OK"
	RespAckExit             = "ACK_EXIT"
	RespUnknownCommand      = "UNKNOWN_COMMAND"
	RespCommandError        = "COMMAND_ERROR"
)

// ErrMalformedArgs marks a command argument that cannot be parsed.
var ErrMalformedArgs = errors.New("malformed arguments")

// Frame is one parsed request line.
type Frame struct {
	Command string
	Args    string
}

// ParseFrame splits a line into command and argument. Surrounding
// whitespace is ignored; ok is false for a blank line.
func ParseFrame(line string) (Frame, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Frame{}, false
	}
	cmd, args, _ := strings.Cut(line, " ")
	return Frame{Command: cmd, Args: strings.TrimSpace(args)}, true
}

// String renders the frame without the trailing newline.
func (f Frame) String() string {
	if f.Args == "" {
		return f.Command
	}
	return f.Command + " " + f.Args
}

// StartMeasurement builds a START_MEASUREMENT frame for zone.
func StartMeasurement(zone model.Zone) Frame {
	return Frame{Command: CmdStartMeasurement, Args: zone.String()}
}

// Change builds a CHANGE frame carrying payload.
func Change(payload string) Frame {
	return Frame{Command: CmdChange, Args: payload}
}

// ParseZone parses "x,y,pir". X must be at least 1, Y is 0 or 1 and PIR is
// 1, 2 or 3.
func ParseZone(args string) (model.Zone, error) {
	parts := strings.Split(args, ",")
	if len(parts) != 3 {
		return model.Zone{}, fmt.Errorf("%w: want x,y,pir, got %q", ErrMalformedArgs, args)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return model.Zone{}, fmt.Errorf("%w: %q is not an integer", ErrMalformedArgs, strings.TrimSpace(p))
		}
		vals[i] = v
	}
	z := model.Zone{X: vals[0], Y: vals[1], PIR: vals[2]}
	switch {
	case z.X < 1:
		return model.Zone{}, fmt.Errorf("%w: x must be >= 1, got %d", ErrMalformedArgs, z.X)
	case z.Y != 0 && z.Y != 1:
		return model.Zone{}, fmt.Errorf("%w: y must be 0 or 1, got %d", ErrMalformedArgs, z.Y)
	case z.PIR < 1 || z.PIR > 3:
		return model.Zone{}, fmt.Errorf("%w: position in room must be 1, 2 or 3, got %d", ErrMalformedArgs, z.PIR)
	}
	return z, nil
}

// CommandError is the payload of a COMMAND_ERROR response.
type CommandError struct {
	Command string `json:"command"`
	Error   string `json:"error"`
}

// FormatCommandError renders a COMMAND_ERROR response line.
func FormatCommandError(command string, err error) string {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a struct of two strings cannot fail.
	_ = enc.Encode(CommandError{Command: command, Error: msg})
	return RespCommandError + " " + strings.TrimSpace(buf.String())
}

// ParseCommandError decodes a COMMAND_ERROR response line. ok is false when
// line is not a COMMAND_ERROR response.
func ParseCommandError(line string) (CommandError, bool, error) {
	f, ok := ParseFrame(line)
	if !ok || f.Command != RespCommandError {
		return CommandError{}, false, nil
	}
	var ce CommandError
	if err := json.Unmarshal([]byte(f.Args), &ce); err != nil {
		return CommandError{}, true, fmt.Errorf("decode %s payload: %w", RespCommandError, err)
	}
	return ce, true, nil
}
