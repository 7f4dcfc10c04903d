package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"kernelbridge/internal/wire"
	"kernelbridge/pkg/logging"
)

// outputBuffer bounds iopub messages queued for one execution.
const outputBuffer = 256

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

type executeRequest struct {
	Code            string            `json:"code"`
	Silent          bool              `json:"silent"`
	StoreHistory    bool              `json:"store_history"`
	UserExpressions map[string]string `json:"user_expressions"`
	AllowStdin      bool              `json:"allow_stdin"`
	StopOnError     bool              `json:"stop_on_error"`
}

type executeReply struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	Ename          string   `json:"ename"`
	Evalue         string   `json:"evalue"`
	Traceback      []string `json:"traceback"`
}

// ExecutionError is an error raised by the executed code.
type ExecutionError struct {
	Name      string   `json:"ename"`
	Value     string   `json:"evalue"`
	Traceback []string `json:"traceback,omitempty"`
}

func (e *ExecutionError) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Name, e.Value)
	for _, line := range e.Traceback {
		b.WriteString("\n")
		b.WriteString(ansiEscape.ReplaceAllString(line, ""))
	}
	return b.String()
}

// ExecutionResult is the collected outcome of one execute_request.
type ExecutionResult struct {
	Status         string          `json:"status"`
	ExecutionCount int             `json:"execution_count"`
	Output         []string        `json:"output,omitempty"`
	Error          *ExecutionError `json:"error,omitempty"`
}

// Text joins all textual output in arrival order.
func (r ExecutionResult) Text() string {
	return strings.Join(r.Output, "")
}

// execute runs code on the kernel and gathers iopub output until the kernel
// reports idle for this request and the shell reply has arrived. A failed shell
// request ends the execution at once, since no idle status will follow it.
func execute(ctx context.Context, k Kernel, code string) (ExecutionResult, error) {
	req, err := k.NewMessage("execute_request", executeRequest{
		Code:            code,
		StoreHistory:    true,
		UserExpressions: map[string]string{},
		StopOnError:     true,
	}, nil)
	if err != nil {
		return ExecutionResult{}, err
	}

	// Subscribe before sending so no output is missed.
	stream, err := k.Subscribe(wire.IOPub, wire.ByParent(req.ID()), outputBuffer)
	if err != nil {
		return ExecutionResult{}, err
	}
	defer stream.Close()

	type shellReply struct {
		msg *wire.Message
		err error
	}
	replies := make(chan shellReply, 1)
	go func() {
		msg, err := k.Request(ctx, wire.Shell, req)
		replies <- shellReply{msg: msg, err: err}
	}()

	var (
		result ExecutionResult
		reply  *wire.Message
		idle   bool
	)
	for !idle || reply == nil {
		select {
		case msg, ok := <-stream.C():
			if !ok {
				return result, wire.ErrClosed
			}
			if collect(&result, msg) {
				idle = true
			}
		case r := <-replies:
			if r.err != nil {
				return result, fmt.Errorf("execute_request failed: %w", r.err)
			}
			reply = r.msg
			replies = nil
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	var content executeReply
	if err := reply.DecodeContent(&content); err != nil {
		return result, fmt.Errorf("failed to decode execute_reply: %w", err)
	}
	result.Status = content.Status
	result.ExecutionCount = content.ExecutionCount
	if content.Status == "error" && result.Error == nil {
		result.Error = &ExecutionError{Name: content.Ename, Value: content.Evalue, Traceback: content.Traceback}
	}
	return result, nil
}

// collect folds one iopub message into result and reports whether the kernel
// went idle.
func collect(result *ExecutionResult, msg *wire.Message) bool {
	switch msg.Type() {
	case "status":
		var content struct {
			ExecutionState string `json:"execution_state"`
		}
		if err := msg.DecodeContent(&content); err == nil {
			return content.ExecutionState == "idle"
		}
	case "stream":
		var content struct {
			Name string `json:"name"`
			Text string `json:"text"`
		}
		if err := msg.DecodeContent(&content); err == nil {
			result.Output = append(result.Output, content.Text)
		}
	case "execute_result", "display_data":
		var content struct {
			Data map[string]json.RawMessage `json:"data"`
		}
		if err := msg.DecodeContent(&content); err != nil {
			break
		}
		var text string
		if raw, ok := content.Data["text/plain"]; ok && json.Unmarshal(raw, &text) == nil {
			if !strings.HasSuffix(text, "\n") {
				text += "\n"
			}
			result.Output = append(result.Output, text)
		}
	case "error":
		var content ExecutionError
		if err := msg.DecodeContent(&content); err == nil {
			result.Error = &content
		}
	default:
		logging.Debug("MCP", "Ignoring iopub %s", msg.Type())
	}
	return false
}
