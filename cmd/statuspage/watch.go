package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	statuspage "github.com/c0der-nb/status-page"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchOrg         bool
	watchJSON        bool
	watchMetricsAddr string
)

func init() {
	watchCmd.Flags().BoolVar(&watchOrg, "org", false, "Follow the selected organization's room instead of a public page")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print every snapshot as JSON")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [slug]",
	Short: "Follow a status page live",
	Long: "Connect to the realtime endpoint and print changes as they arrive.\n" +
		"With a slug, follow that organization's public status page.\n" +
		"With --org, follow every event of the selected organization (requires login).",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		metrics := serveMetrics()
		if watchOrg {
			return watchOrganization(ctx, metrics)
		}
		if len(args) != 1 {
			return fmt.Errorf("a status page slug is required (or use --org)")
		}
		return watchPublic(ctx, args[0], metrics)
	},
}

// serveMetrics registers the client metrics and exposes them when
// --metrics-addr is set.
func serveMetrics() *statuspage.Metrics {
	if watchMetricsAddr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	metrics := statuspage.NewMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(watchMetricsAddr, mux); err != nil {
			fmt.Fprintf(os.Stderr, "Metrics server stopped: %v\n", err)
		}
	}()
	return metrics
}

func watchPublic(ctx context.Context, slug string, metrics *statuspage.Metrics) error {
	client := getClient()
	feed := statuspage.NewStatusFeed(client, slug, &statuspage.StatusFeedConfig{
		Realtime: realtimeConfig(),
		Logger:   newLogger(),
		Metrics:  metrics,
	})
	defer feed.Close()

	failed := watchLifecycle(feed.Bus())
	feed.OnChange(func(page statuspage.PublicStatus) { printPage(page) })

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := feed.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Watching %s (Ctrl-C to stop)\n", slug)

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

func watchOrganization(ctx context.Context, metrics *statuspage.Metrics) error {
	client := getClient()
	orgID, err := client.CurrentOrganization()
	if err != nil {
		return err
	}
	if orgID == "" {
		return fmt.Errorf("no organization selected; run 'statuspage org select <id>'")
	}

	log := newLogger()
	rc := realtimeConfig()
	rc.Logger = log
	rc.Metrics = metrics

	bus := statuspage.NewBus()
	rt := client.Realtime(bus, rc)
	rooms := statuspage.NewRooms(rt, log)
	defer rooms.Close()
	defer rt.Disconnect()

	failed := watchLifecycle(bus)
	for _, kind := range statuspage.OrganizationKinds {
		bus.Subscribe(kind, printEvent)
	}

	if err := rooms.JoinOrganization(ctx, orgID); err != nil {
		return err
	}
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := rt.ConnectAuthenticated(startCtx, ""); err != nil {
		if errors.Is(err, statuspage.ErrNoAccessToken) {
			return fmt.Errorf("not logged in; run 'statuspage login <email>'")
		}
		return err
	}
	fmt.Fprintf(os.Stderr, "Watching organization %s (Ctrl-C to stop)\n", orgID)

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

// watchLifecycle reports connection changes on stderr. The returned channel
// receives an error once reconnection has given up.
func watchLifecycle(bus *statuspage.Bus) <-chan error {
	failed := make(chan error, 1)
	statuspage.On(bus, statuspage.KindDisconnect, func(ev statuspage.Disconnected) {
		if !ev.Intentional {
			fmt.Fprintf(os.Stderr, "Connection lost: %s\n", valueOrDefault(ev.Reason, "unknown reason"))
		}
	})
	statuspage.On(bus, statuspage.KindReconnecting, func(ev statuspage.Reconnecting) {
		fmt.Fprintf(os.Stderr, "Reconnecting (attempt %d, in %s)...\n", ev.Attempt, ev.Delay)
	})
	statuspage.On(bus, statuspage.KindConnect, func(ev statuspage.Connected) {
		if ev.Reconnect {
			fmt.Fprintln(os.Stderr, "Reconnected.")
		}
	})
	statuspage.On(bus, statuspage.KindError, func(ev statuspage.ErrorEvent) {
		fmt.Fprintf(os.Stderr, "Server error: %s\n", ev.Message)
	})
	statuspage.On(bus, statuspage.KindReconnectFailed, func(ev statuspage.ReconnectFailed) {
		select {
		case failed <- fmt.Errorf("gave up reconnecting after %d attempts", ev.Attempts):
		default:
		}
	})
	return failed
}

func printPage(page statuspage.PublicStatus) {
	if watchJSON {
		b, _ := json.Marshal(page)
		fmt.Println(string(b))
		return
	}
	fmt.Printf("\n[%s] %s: %s\n", time.Now().Format(time.TimeOnly), valueOrDefault(page.Organization.Name, "status"), page.OverallStatus)
	for _, svc := range page.Services {
		fmt.Printf("  %-30s %s\n", svc.Name, svc.Status)
	}
	for _, inc := range page.ActiveIncidents {
		fmt.Printf("  ! %s (%s)\n", inc.Title, inc.Status)
		if inc.LatestUpdate != nil {
			fmt.Printf("      %s\n", inc.LatestUpdate.Message)
		}
	}
	for _, inc := range page.ScheduledMaintenance {
		fmt.Printf("  ~ %s (%s)\n", inc.Title, inc.Status)
	}
}

func printEvent(ev statuspage.Event) {
	if watchJSON {
		b, _ := json.Marshal(ev)
		fmt.Printf("{\"type\":%q,\"event\":%s}\n", ev.Kind(), b)
		return
	}
	ts := time.Now().Format(time.TimeOnly)
	switch e := ev.(type) {
	case statuspage.ServiceCreated:
		fmt.Printf("[%s] service created: %s (%s)\n", ts, e.Service.Name, e.Service.Status)
	case statuspage.ServiceStatusChanged:
		from := ""
		if e.OldStatus != "" {
			from = string(e.OldStatus) + " -> "
		}
		fmt.Printf("[%s] service %s: %s%s\n", ts, valueOrDefault(e.Name, e.ServiceID), from, e.Status)
	case statuspage.ServiceDeleted:
		fmt.Printf("[%s] service deleted: %s\n", ts, e.ServiceID)
	case statuspage.IncidentCreated:
		fmt.Printf("[%s] incident opened: %s (%s)\n", ts, e.Incident.Title, e.Incident.Status)
	case statuspage.IncidentUpdated:
		fields := make([]string, 0, len(e.Changes))
		for k := range e.Changes {
			fields = append(fields, k)
		}
		fmt.Printf("[%s] incident %s updated: %s\n", ts, valueOrDefault(e.Incident.Title, e.Incident.ID), strings.Join(fields, ", "))
	case statuspage.IncidentUpdateAdded:
		fmt.Printf("[%s] incident %s: %s\n", ts, e.IncidentID, e.Update.Message)
	case statuspage.IncidentDeleted:
		fmt.Printf("[%s] incident deleted: %s\n", ts, e.IncidentID)
	default:
		fmt.Printf("[%s] %s\n", ts, ev.Kind())
	}
}
