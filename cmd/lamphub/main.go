// lamphub is the operator CLI. It talks to a running lamphub-server over
// its HTTP API; point it at the server with LAMPHUB_SERVER_URL and
// LAMPHUB_API_KEY.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
)

var (
	app       = kingpin.New("lamphub", "Smart lamp task coordination CLI")
	serverURL = app.Flag("server", "Server base URL").Envar("LAMPHUB_SERVER_URL").Default("http://localhost:3200").String()
	apiKey    = app.Flag("api-key", "API key").Envar("LAMPHUB_API_KEY").String()

	statusCmd = app.Command("status", "Show engine connection status")

	devicesCmd     = app.Command("devices", "Device management commands")
	devicesListCmd = devicesCmd.Command("list", "List registered devices")
	devicesOwner   = devicesListCmd.Flag("owner", "Filter by owner").String()

	devicesRegisterCmd  = devicesCmd.Command("register", "Register a device")
	devicesRegisterID   = devicesRegisterCmd.Arg("id", "Device id (YYYYMMDD-owner-xxxxxx)").Required().String()
	devicesRegisterName = devicesRegisterCmd.Flag("name", "Display name").String()

	tasksCmd     = app.Command("tasks", "Task management commands")
	tasksListCmd = tasksCmd.Command("list", "List tasks")
	tasksOwner   = tasksListCmd.Flag("owner", "Filter by owner").String()
	tasksStatus  = tasksListCmd.Flag("status", "Filter by status").String()

	tasksCreateCmd      = tasksCmd.Command("create", "Create a task")
	tasksCreateOwner    = tasksCreateCmd.Flag("owner", "Owner id").Required().String()
	tasksCreateTitle    = tasksCreateCmd.Arg("title", "Task title").Required().String()
	tasksCreatePriority = tasksCreateCmd.Flag("priority", "Priority 1 (high) to 3 (low)").Default("2").Int()
	tasksCreateEstimate = tasksCreateCmd.Flag("estimate", "Estimated minutes").Default("0").Int()

	commandCmd    = app.Command("command", "Send a command to a device")
	commandDevice = commandCmd.Arg("device", "Device id").Required().String()
	commandName   = commandCmd.Arg("name", "Command name").Required().String()
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	c := &client{
		baseURL: *serverURL,
		apiKey:  *apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}

	var err error
	switch cmd {
	case statusCmd.FullCommand():
		err = showStatus(c)
	case devicesListCmd.FullCommand():
		err = listDevices(c, *devicesOwner)
	case devicesRegisterCmd.FullCommand():
		err = registerDevice(c, *devicesRegisterID, *devicesRegisterName)
	case tasksListCmd.FullCommand():
		err = listTasks(c, *tasksOwner, *tasksStatus)
	case tasksCreateCmd.FullCommand():
		err = createTask(c, *tasksCreateOwner, *tasksCreateTitle, *tasksCreatePriority, *tasksCreateEstimate)
	case commandCmd.FullCommand():
		err = sendCommand(c, *commandDevice, *commandName)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func (c *client) do(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (%d)", apiErr.Message, resp.StatusCode)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func showStatus(c *client) error {
	var st struct {
		Connected         bool `json:"connected"`
		ReconnectAttempts int  `json:"reconnectAttempts"`
		ActiveDeviceCount int  `json:"activeDeviceCount"`
	}
	if err := c.do(http.MethodGet, "/api/status", nil, &st); err != nil {
		return err
	}
	if st.Connected {
		color.Green("broker: connected")
	} else {
		color.Red("broker: disconnected (reconnect attempts: %d)", st.ReconnectAttempts)
	}
	fmt.Printf("active devices: %d\n", st.ActiveDeviceCount)
	return nil
}

func listDevices(c *client, owner string) error {
	path := "/api/devices"
	if owner != "" {
		path += "?ownerId=" + owner
	}
	var out struct {
		Devices []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Status      string `json:"status"`
			CurrentTask *struct {
				TaskID   string `json:"taskId"`
				IsActive bool   `json:"isActive"`
			} `json:"currentTask"`
		} `json:"devices"`
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	for _, d := range out.Devices {
		statusColor := color.New(color.FgYellow)
		if d.Status == "online" {
			statusColor = color.New(color.FgGreen)
		}
		busy := ""
		if d.CurrentTask != nil && d.CurrentTask.IsActive {
			busy = " [task " + d.CurrentTask.TaskID + "]"
		}
		fmt.Printf("%-32s %-24s %s%s\n", d.ID, d.Name, statusColor.Sprint(d.Status), busy)
	}
	return nil
}

func registerDevice(c *client, id, name string) error {
	var dev struct {
		ID      string `json:"id"`
		OwnerID string `json:"ownerId"`
	}
	if err := c.do(http.MethodPost, "/api/devices", map[string]string{"id": id, "name": name}, &dev); err != nil {
		return err
	}
	color.Green("registered %s (owner %s)", dev.ID, dev.OwnerID)
	return nil
}

func listTasks(c *client, owner, status string) error {
	path := "/api/tasks?ownerId=" + owner
	if status != "" {
		path += "&status=" + status
	}
	var out struct {
		Tasks []struct {
			ID             string `json:"id"`
			Title          string `json:"title"`
			Status         string `json:"status"`
			Priority       int    `json:"priority"`
			AssignedDevice string `json:"assignedDevice"`
		} `json:"tasks"`
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	for _, t := range out.Tasks {
		line := fmt.Sprintf("%-28s P%d %-12s %s", t.ID, t.Priority, t.Status, t.Title)
		if t.AssignedDevice != "" {
			line += " @" + t.AssignedDevice
		}
		switch t.Status {
		case "completed":
			color.Green(line)
		case "cancelled":
			color.Red(line)
		case "in_progress":
			color.Cyan(line)
		default:
			fmt.Println(line)
		}
	}
	return nil
}

func createTask(c *client, owner, title string, priority, estimate int) error {
	var t struct {
		ID string `json:"id"`
	}
	body := map[string]any{
		"ownerId":          owner,
		"title":            title,
		"priority":         priority,
		"estimatedMinutes": estimate,
	}
	if err := c.do(http.MethodPost, "/api/tasks", body, &t); err != nil {
		return err
	}
	color.Green("created task %s", t.ID)
	return nil
}

func sendCommand(c *client, device, name string) error {
	body := map[string]any{"command": name}
	if err := c.do(http.MethodPost, "/api/devices/"+device+"/commands", body, nil); err != nil {
		return err
	}
	color.Green("sent %s to %s", name, device)
	return nil
}
