package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/worldland/worldland-orchestrator/internal/allocator"
	"github.com/worldland/worldland-orchestrator/internal/cli"
	"github.com/worldland/worldland-orchestrator/internal/registry"
)

const usage = `Usage: orchestratorctl [-addr URL] <command> [args]

Commands:
  status                          Show nodes, services, allocations and breakers
  services [prefix]               List registered services
  register <name> [port]          Register a service
  unregister <name>               Remove a service
  allocate <agent> <model> [mb]   Place an agent on a node
  release <agent>                 Release an agent's allocation
  set-host <host>                 Move every endpoint to a new external host
`

func main() {
	addr := flag.String("addr", "http://localhost:7070", "Orchestrator admin API URL")
	timeout := flag.Duration("timeout", 30*time.Second, "Request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	p := cli.NewPrinter(os.Stdout)
	if err := run(ctx, cli.NewAdminClient(*addr), p, flag.Args()); err != nil {
		p.Error(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.AdminClient, p *cli.Printer, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "status":
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		p.Snapshot(snap)

	case "services":
		var prefix string
		if len(args) > 0 {
			prefix = args[0]
		}
		eps, err := c.Services(ctx, prefix)
		if err != nil {
			return err
		}
		p.Services(eps)

	case "register":
		if len(args) < 1 {
			return fmt.Errorf("register requires a service name")
		}
		req := registry.Request{ServiceName: args[0]}
		if len(args) > 1 {
			if _, err := fmt.Sscan(args[1], &req.PreferredPort); err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
		}
		resp, err := c.RegisterService(ctx, req)
		if err != nil {
			return err
		}
		p.Header("Registered")
		p.Field("Address", fmt.Sprintf("%s:%d", resp.Host, resp.Port))
		p.Field("Health", resp.HealthURL)

	case "unregister":
		if len(args) < 1 {
			return fmt.Errorf("unregister requires a service name")
		}
		return c.UnregisterService(ctx, args[0])

	case "allocate":
		if len(args) < 2 {
			return fmt.Errorf("allocate requires an agent id and a model")
		}
		w := allocator.Workload{AgentID: args[0], Model: args[1]}
		if len(args) > 2 {
			if _, err := fmt.Sscan(args[2], &w.MinVRAMMB); err != nil {
				return fmt.Errorf("invalid VRAM requirement %q", args[2])
			}
		}
		a, err := c.Allocate(ctx, w)
		if err != nil {
			return err
		}
		p.Header("Allocated")
		p.Field("Node", a.NodeID)
		p.Field("VRAM", fmt.Sprintf("%d MB", a.VRAMMB))

	case "release":
		if len(args) < 1 {
			return fmt.Errorf("release requires an agent id")
		}
		a, err := c.Deallocate(ctx, args[0])
		if err != nil {
			return err
		}
		p.Header("Released")
		p.Field("Node", a.NodeID)

	case "set-host":
		if len(args) < 1 {
			return fmt.Errorf("set-host requires a host")
		}
		n, err := c.SetExternalHost(ctx, args[0])
		if err != nil {
			return err
		}
		p.Header("Network")
		p.Field("External host", args[0])
		p.Field("Updated", fmt.Sprint(n))

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}
