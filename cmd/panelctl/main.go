package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/tinytelemetry/panels/internal/dashboard"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/rangeutil"
	"github.com/tinytelemetry/panels/internal/socketrpc"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

const usage = `usage: panelctl [flags] <command> [args]

commands:
  list                          list dashboards and panel states
  refresh <uid> <panel-id>      run a panel and print its result
  data <uid> <panel-id>         print a panel's last result
  cancel <uid> <panel-id>       cancel a panel's running query
  query <datasource> <model>    run an ad-hoc query; model is a JSON object

flags:
`

func main() {
	var configPath, socketPath, from, to string
	var asJSON, showVersion bool

	flags := flag.NewFlagSet("panelctl", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(flags.Output(), usage)
		flags.PrintDefaults()
	}
	flags.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/panels/config.yml)")
	flags.StringVar(&socketPath, "socket", "", "override socket path of the panels service")
	flags.StringVar(&from, "from", "", "query range start (date math, e.g. now-1h)")
	flags.StringVar(&to, "to", "", "query range end")
	flags.BoolVar(&asJSON, "json", false, "print results as JSON")
	flags.BoolVar(&showVersion, "version", false, "print version information")
	flags.Parse(os.Args[1:])

	if showVersion {
		fmt.Printf("panelctl - Panels Client\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}
	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}

	home, _ := os.UserHomeDir()
	cfg, err := loadCLIConfig(configPath, home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}

	client, err := socketrpc.Dial(cfg.SocketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot connect to panels service at %s: %v\nIs the service running? Start it with: panels\n", cfg.SocketPath, err)
		os.Exit(1)
	}
	defer client.Close()
	client.Timeout = cfg.CallTimeout

	out := printer{w: os.Stdout, json: asJSON, maxRows: cfg.MaxRows}
	if err := run(client, out, flags.Args(), rangeutil.RawTimeRange{From: from, To: to}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rpcClient is the part of socketrpc.Client the commands use.
type rpcClient interface {
	ListDashboards() ([]dashboard.Summary, error)
	RefreshPanel(uid string, panelID int64) (*model.PanelData, error)
	PanelData(uid string, panelID int64) (*model.PanelData, error)
	CancelPanel(uid string, panelID int64) error
	Query(params socketrpc.QueryParams) (*model.PanelData, error)
}

func run(c rpcClient, out printer, args []string, rng rangeutil.RawTimeRange) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "list":
		list, err := c.ListDashboards()
		if err != nil {
			return err
		}
		return out.dashboards(list)

	case "refresh", "data", "cancel":
		if len(args) != 2 {
			return errors.Errorf("%s needs <uid> <panel-id>", cmd)
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || id <= 0 {
			return errors.Errorf("invalid panel id %q", args[1])
		}
		switch cmd {
		case "cancel":
			if err := c.CancelPanel(args[0], id); err != nil {
				return err
			}
			fmt.Fprintln(out.w, "cancelled")
			return nil
		case "refresh":
			data, err := c.RefreshPanel(args[0], id)
			if err != nil {
				return err
			}
			return out.panelData(data)
		default:
			data, err := c.PanelData(args[0], id)
			if err != nil {
				return err
			}
			if data == nil {
				return errors.New("panel has not run yet")
			}
			return out.panelData(data)
		}

	case "query":
		if len(args) != 2 {
			return errors.New("query needs <datasource> <model>")
		}
		var m map[string]any
		if err := jsonAPI.UnmarshalFromString(args[1], &m); err != nil {
			return errors.Wrap(err, "invalid query model")
		}
		data, err := c.Query(socketrpc.QueryParams{
			Datasource: args[0],
			Queries:    []model.DataQuery{{RefID: "A", Model: m}},
			Range:      rng,
		})
		if err != nil {
			return err
		}
		return out.panelData(data)
	}
	return errors.Errorf("unknown command %q", cmd)
}
