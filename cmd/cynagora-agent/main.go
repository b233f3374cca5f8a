// Command cynagora-agent registers an external agent process against
// the agent socket and dispatches each "ask" to a configurable
// external command, replying with the "yes"/"no" verdict (and optional
// expiration) on the first line the command prints on stdout; any
// other output or a failed run answers "no".
//
// spec.md §4.5 specifies the ask/reply/sub wire contract but leaves
// the agent process itself as an integrator's problem; this CLI is
// the generic harness the daemon's built-in "@" agent
// (pkg/agent/builtin.go) doesn't cover, grounded on rcyn-agent.c's
// register/loop/reply shape and on cmd/warren/main.go's cobra/zerolog
// wiring.
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iotbzh/cynagora/pkg/config"
	"github.com/iotbzh/cynagora/pkg/cynclient"
)

var (
	socketURI string
	agentName string
	command   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cynagora-agent:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cynagora-agent name",
	Short: "register an external agent and relay each ask to --exec",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentName = args[0]
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&socketURI, "socket", config.DefaultAgentSocket, "agent socket URI")
	rootCmd.Flags().StringVar(&command, "exec", "", "shell command to run for each ask; the ask's payload is piped on stdin, the key as argv[1:5]")
}

func run() error {
	if command == "" {
		return fmt.Errorf("cynagora-agent: --exec is required")
	}
	sess, err := cynclient.OpenAgent(socketURI, agentName)
	if err != nil {
		return fmt.Errorf("cynagora-agent: register %s: %w", agentName, err)
	}
	defer sess.Close()

	for {
		ask, err := sess.Next()
		if err != nil {
			return fmt.Errorf("cynagora-agent: %w", err)
		}
		verdict, expireText := evaluate(ask)
		if err := sess.Reply(ask, verdict, expireText); err != nil {
			return fmt.Errorf("cynagora-agent: reply: %w", err)
		}
	}
}

// evaluate runs command once per ask, passing the key as arguments
// and the payload on stdin. The first line of stdout is "yes"/"no"
// optionally followed by an expiration token, matching a check reply;
// anything else (non-zero exit, empty output) answers "no".
func evaluate(ask cynclient.Ask) (verdict, expireText string) {
	c := exec.Command("sh", "-c", command, "--",
		ask.Key.Client, ask.Key.Session, ask.Key.User, ask.Key.Permission)
	c.Stdin = strings.NewReader(ask.Payload)
	var out bytes.Buffer
	c.Stdout = &out
	if err := c.Run(); err != nil {
		return "no", ""
	}
	line, _, _ := bufio.NewReader(&out).ReadLine()
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return "no", ""
	}
	verdict = fields[0]
	if verdict != "yes" && verdict != "no" {
		return "no", ""
	}
	if len(fields) >= 2 {
		expireText = fields[1]
	}
	return verdict, expireText
}
