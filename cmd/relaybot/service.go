package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"relaybot/internal/config"
)

const launchdLabel = "dev.relaybot.serve"

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install or remove 'relaybot serve' as a user service (launchd/systemd)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Write a service file that runs 'relaybot serve' at login",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			path, body, err := serviceFile(runtime.GOOS, home, execPath, resolveConfigPath())
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				return err
			}
			printServiceHints(cmd.OutOrStdout(), runtime.GOOS, path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			path, _, err := serviceFile(runtime.GOOS, home, "", "")
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service removed: %s\n", path)
			return nil
		},
	})
	return cmd
}

type serviceUnit struct {
	Label string
	Exec  string
	Args  []string
	Log   string
}

var serviceTemplates = map[string]*template.Template{
	"darwin": template.Must(template.New("launchd").Parse(launchdTemplate)),
	"linux":  template.Must(template.New("systemd").Parse(systemdTemplate)),
}

// serviceFile returns where the service definition lives on goos and its
// rendered contents.
func serviceFile(goos, home, execPath, cfgPath string) (path, body string, err error) {
	tmpl, ok := serviceTemplates[goos]
	if !ok {
		return "", "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", goos)
	}
	if goos == "darwin" {
		path = filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
	} else {
		path = filepath.Join(home, ".config", "systemd", "user", "relaybot.service")
	}
	unit := serviceUnit{
		Label: launchdLabel,
		Exec:  execPath,
		Args:  []string{"serve", "--config", cfgPath},
		Log:   filepath.Join(config.DefaultConfigDir(), "logs", "relaybot.log"),
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, unit); err != nil {
		return "", "", err
	}
	return path, b.String(), nil
}

func printServiceHints(out io.Writer, goos, path string) {
	fmt.Fprintf(out, "Service installed: %s\n", path)
	if goos == "darwin" {
		fmt.Fprintf(out, "To start: launchctl load %s\n", path)
		fmt.Fprintf(out, "To stop:  launchctl unload %s\n", path)
		return
	}
	fmt.Fprintln(out, "To start:  systemctl --user start relaybot")
	fmt.Fprintln(out, "To enable: systemctl --user enable relaybot")
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
{{- range .Args}}
        <string>{{.}}</string>
{{- end}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.Log}}</string>
    <key>StandardErrorPath</key>
    <string>{{.Log}}</string>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=relaybot conversation gateway
After=network.target

[Service]
Type=simple
ExecStart={{.Exec}}{{range .Args}} {{.}}{{end}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
