package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	offlinesync "github.com/huykn/offline-sync"
	offsync "github.com/huykn/offline-sync/sync"
	"github.com/huykn/offline-sync/types"
)

const statusTimeout = 3 * time.Second

// openClient builds a client over the configured store without starting
// background work.
func openClient(cmd *cobra.Command) (*offlinesync.Client, offlinesync.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, err
	}
	c, err := offlinesync.New(cfg)
	if err != nil {
		return nil, cfg, err
	}
	return c, cfg, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	c, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	items, err := c.Queue.List(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMETHOD\tURL\tENTITY\tQUEUED\tRETRIES\tSIZE\tLAST ERROR")
	for _, m := range items {
		entity := string(m.EntityType)
		if id := m.TargetID(); id != "" {
			entity += "/" + id
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			m.ID, m.Method, m.URL, entity,
			humanize.Time(m.CreatedAt), m.RetryCount,
			humanize.Bytes(uint64(len(m.Body))), m.LastError)
	}
	return w.Flush()
}

func runQueueCount(cmd *cobra.Command, args []string) error {
	c, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.QueueCount(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return errors.New("clearing drops unsynced writes; pass --yes to confirm")
	}
	c, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.QueueCount(cmd.Context())
	if err != nil {
		return err
	}
	if err := c.Queue.Clear(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", humanize.Comma(int64(n))+" "+plural(n, "mutation"))
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	c, _, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.ForceSync(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "attempted %d: %d synced, %d conflicts, %d retried, %d deferred\n",
		res.Attempted, res.Synced, res.Conflicts, res.Retried, res.Deferred)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, cfg, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	n, err := c.QueueCount(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "queue: %s pending\n", humanize.Comma(int64(n)))

	if c.Bus == nil {
		fmt.Fprintln(out, "edge proxy: no bus configured")
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	status, err := cacheStatus(ctx, c.Bus)
	if err != nil {
		fmt.Fprintf(out, "edge proxy: unreachable (%v)\n", err)
		return nil
	}
	state := "active"
	if !status.Active {
		state = "waiting for activation"
	}
	fmt.Fprintf(out, "edge proxy %s: cache %s (%s), %s served\n",
		cfg.Proxy.Origin, status.Version, state, humanize.Comma(status.Requests)+" "+plural(int(status.Requests), "request"))
	for _, bucket := range []string{"static", "api", "pages"} {
		fmt.Fprintf(out, "  %-7s %s\n", bucket, humanize.Comma(int64(status.Entries[bucket])))
	}
	fmt.Fprintf(out, "  local   %s\n", humanize.Bytes(uint64(status.Bytes)))
	return nil
}

func cacheStatus(ctx context.Context, bus offsync.Bus) (types.CacheStatus, error) {
	var status types.CacheStatus
	msg, err := types.NewMessage(types.GetCacheStatus, nil)
	if err != nil {
		return status, err
	}
	reply, err := offsync.Request(ctx, bus, offsync.TopicControl, msg)
	if err != nil {
		return status, err
	}
	return status, reply.Decode(&status)
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
