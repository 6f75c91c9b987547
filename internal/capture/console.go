package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/dgnsrekt/tabtrace/internal/types"
)

// ConsoleCapture records console calls and uncaught exceptions.
type ConsoleCapture struct {
	sink           types.RecordSink
	tabRegistry    types.TabInfoProvider
	captureConsole bool
	now            func() time.Time
}

func NewConsoleCapture(sink types.RecordSink, tabRegistry types.TabInfoProvider, captureConsole bool) *ConsoleCapture {
	return &ConsoleCapture{
		sink:           sink,
		tabRegistry:    tabRegistry,
		captureConsole: captureConsole,
		now:            time.Now,
	}
}

func (c *ConsoleCapture) OnConsoleAPICalled(targetID string, ev *runtime.EventConsoleAPICalled) {
	if !c.captureConsole {
		return
	}
	tab, ok := c.tabRegistry.GetByStringID(targetID)
	if !ok {
		return
	}

	args := make([]any, 0, len(ev.Args))
	for _, arg := range ev.Args {
		args = append(args, remoteValue(arg))
	}

	rec := &types.ConsoleRecord{
		Header: types.Header{RecordType: types.KindConsole, URL: tab.URL, Timestamp: millis(c.now()), Source: sourceCDP},
		Type:   "log",
		Method: consoleMethod(string(ev.Type)),
		Args:   args,
	}
	if ev.StackTrace != nil {
		rec.StackTrace = stackTrace(ev.StackTrace)
	}
	c.sink.AddOrMerge(context.Background(), tab.ID, rec)
}

func (c *ConsoleCapture) OnExceptionThrown(targetID string, ev *runtime.EventExceptionThrown) {
	if !c.captureConsole || ev.ExceptionDetails == nil {
		return
	}
	tab, ok := c.tabRegistry.GetByStringID(targetID)
	if !ok {
		return
	}

	details := ev.ExceptionDetails
	message := details.Text
	if details.Exception != nil && details.Exception.Description != "" {
		message = details.Exception.Description
	}

	rec := &types.ConsoleRecord{
		Header: types.Header{RecordType: types.KindConsole, URL: tab.URL, Timestamp: millis(c.now()), Source: sourceCDP},
		Type:   "error",
		Method: "error",
		Args:   []any{message},
	}
	if details.StackTrace != nil {
		rec.StackTrace = stackTrace(details.StackTrace)
	} else if details.URL != "" {
		loc := fmt.Sprintf("%s:%d:%d", details.URL, details.LineNumber+1, details.ColumnNumber+1)
		rec.StackTrace = &types.StackTrace{Parsed: loc, Raw: loc}
	}
	c.sink.AddOrMerge(context.Background(), tab.ID, rec)
}

// consoleMethod maps CDP console API types onto console method names.
func consoleMethod(apiType string) string {
	switch apiType {
	case "warning":
		return "warn"
	case "startGroup", "startGroupCollapsed":
		return "group"
	case "endGroup":
		return "groupEnd"
	default:
		return apiType
	}
}

// remoteValue returns the JSON value of a remote object when it was passed by
// value, otherwise its description.
func remoteValue(obj *runtime.RemoteObject) any {
	if obj == nil {
		return nil
	}
	if len(obj.Value) > 0 {
		var v any
		dec := json.NewDecoder(strings.NewReader(string(obj.Value)))
		dec.UseNumber()
		if err := dec.Decode(&v); err == nil {
			return v
		}
	}
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue)
	}
	if obj.Description != "" {
		return obj.Description
	}
	return string(obj.Type)
}

func stackTrace(st *runtime.StackTrace) *types.StackTrace {
	var lines []string
	for _, f := range st.CallFrames {
		if f == nil {
			continue
		}
		name := f.FunctionName
		if name == "" {
			name = "<anonymous>"
		}
		lines = append(lines, fmt.Sprintf("at %s (%s:%d:%d)", name, f.URL, f.LineNumber+1, f.ColumnNumber+1))
	}
	out := &types.StackTrace{Raw: strings.Join(lines, "\n")}
	if len(lines) > 0 {
		out.Parsed = strings.TrimPrefix(lines[0], "at ")
	}
	return out
}
