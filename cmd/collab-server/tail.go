package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"collab/internal/events"
)

var (
	tailAddr         string
	tailSession      string
	tailStreamTokens bool
)

var tailCmd = &cobra.Command{
	Use:   "tail <goal>",
	Short: "Invoke the engine and print the event stream",
	Args:  cobra.ExactArgs(1),
	RunE:  runTail,
}

func init() {
	tailCmd.Flags().StringVar(&tailAddr, "addr", "http://localhost:8700", "server base URL")
	tailCmd.Flags().StringVar(&tailSession, "session", "", "session id (generated when empty)")
	tailCmd.Flags().BoolVar(&tailStreamTokens, "stream-tokens", false, "request token-level streaming")
}

var (
	tailDim    = color.New(color.FgHiBlack).SprintFunc()
	tailInfo   = color.New(color.FgBlue).SprintFunc()
	tailGood   = color.New(color.FgGreen).SprintFunc()
	tailWarn   = color.New(color.FgYellow).SprintFunc()
	tailBad    = color.New(color.FgRed).SprintFunc()
	tailStrong = color.New(color.Bold).SprintFunc()
)

func runTail(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]any{
		"goal":          args[0],
		"session_id":    tailSession,
		"stream_tokens": tailStreamTokens,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, strings.TrimRight(tailAddr, "/")+"/api/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	fmt.Println(tailDim("request " + resp.Header.Get("X-Request-ID")))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && eventType != "":
			printEvent(eventType, data)
			eventType, data = "", ""
		}
	}
	return scanner.Err()
}

func printEvent(eventType, data string) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		fields = nil
	}

	switch events.Type(eventType) {
	case events.TypeKeepalive:
		fmt.Println(tailDim("· keepalive"))
	case events.TypePartialResponse:
		fmt.Print(stringField(fields, "output_partial"))
	case events.TypeFinalResponse:
		fmt.Printf("\n%s %s\n", tailGood("✔"), tailStrong(stringField(fields, "output_raw")))
	case events.TypeError:
		fmt.Printf("%s %s\n", tailBad("✘"), stringField(fields, "detail"))
	case events.TypeAbort:
		fmt.Printf("%s %s\n", tailWarn("⊘"), stringField(fields, "abort_reason"))
	case events.TypeManagerResponse:
		fmt.Printf("%s %s %s\n", tailInfo("→"), stringField(fields, "action_type"), tailDim(stringField(fields, "reasoning")))
	case events.TypeAgentRequest:
		fmt.Printf("%s %s: %s\n", tailInfo("⇢"), stringField(fields, "agent_name"), tailDim(stringField(fields, "task_goal")))
	case events.TypePlanApprovalPending:
		fmt.Printf("%s plan pending approval\n", tailWarn("⏸"))
	default:
		fmt.Printf("%s %s\n", tailDim(eventType), tailDim(data))
	}
}

func stringField(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	if value, ok := fields[key].(string); ok {
		return value
	}
	return ""
}
