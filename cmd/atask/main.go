package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

type taskView struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Status     string         `json:"status"`
	AssigneeID string         `json:"assignee_id"`
	Result     map[string]any `json:"result"`
}

type agentView struct {
	ID           string   `json:"id"`
	Role         string   `json:"role"`
	State        string   `json:"state"`
	Capabilities []string `json:"capabilities"`
	CurrentTask  string   `json:"current_task"`
}

type apiError struct {
	Error string `json:"error"`
}

func apiCall(baseURL, method, path string, payload any, out any) error {
	var body *bytes.Buffer
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewBuffer(data)
	} else {
		body = &bytes.Buffer{}
	}

	req, err := http.NewRequest(method, strings.TrimRight(baseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("api returned %s", resp.Status)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  atask create --title "..." [--description "..."] [--capability "..."] [--deps "id1,id2"]`)
	fmt.Fprintln(os.Stderr, "  atask list [--status pending|assigned|completed|failed|escalated|blocked]")
	fmt.Fprintln(os.Stderr, `  atask get --id "..."`)
	fmt.Fprintln(os.Stderr, "  atask agents")
	fmt.Fprintln(os.Stderr, "  atask metrics")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	baseURL := os.Getenv("AGORA_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "create":
		args := parseArgs(rest)
		if args["title"] == "" {
			fatal("--title is required")
		}
		payload := map[string]any{
			"title":       args["title"],
			"description": args["description"],
		}
		if args["capability"] != "" {
			payload["capability"] = args["capability"]
		}
		if args["deps"] != "" {
			payload["dependencies"] = strings.Split(args["deps"], ",")
		}
		var created taskView
		if err := apiCall(baseURL, http.MethodPost, "/api/tasks", payload, &created); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Task created: %s\n", created.ID)

	case "list":
		args := parseArgs(rest)
		path := "/api/tasks"
		if args["status"] != "" {
			path += "?status=" + args["status"]
		}
		var tasks []taskView
		if err := apiCall(baseURL, http.MethodGet, path, nil, &tasks); err != nil {
			fatal("%v", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
		} else {
			for _, t := range tasks {
				assignee := t.AssigneeID
				if assignee == "" {
					assignee = "-"
				}
				fmt.Printf("  %s  %-10s  %-12s  %s\n", t.ID, t.Status, assignee, t.Title)
			}
		}

	case "get":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		var raw json.RawMessage
		if err := apiCall(baseURL, http.MethodGet, "/api/tasks/"+args["id"], nil, &raw); err != nil {
			fatal("%v", err)
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, raw, "", "  "); err != nil {
			fatal("%v", err)
		}
		fmt.Println(pretty.String())

	case "agents":
		var agents []agentView
		if err := apiCall(baseURL, http.MethodGet, "/api/agents", nil, &agents); err != nil {
			fatal("%v", err)
		}
		if len(agents) == 0 {
			fmt.Println("No agents running.")
		} else {
			for _, a := range agents {
				task := a.CurrentTask
				if task == "" {
					task = "-"
				}
				fmt.Printf("  %s  %-16s  %-8s  %s  [%s]\n", a.ID, a.Role, a.State, task, strings.Join(a.Capabilities, ", "))
			}
		}

	case "metrics":
		var raw json.RawMessage
		if err := apiCall(baseURL, http.MethodGet, "/api/metrics", nil, &raw); err != nil {
			fatal("%v", err)
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, raw, "", "  "); err != nil {
			fatal("%v", err)
		}
		fmt.Println(pretty.String())

	default:
		fatal("unknown command: %s", command)
	}
}
