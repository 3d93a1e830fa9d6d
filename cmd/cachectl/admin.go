package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/restopos/datacache/internal/bus"
	"github.com/restopos/datacache/pkg/api"
	"github.com/restopos/datacache/pkg/types"
)

var (
	clearType string

	invalidateTopic string
	invalidateType  string
	invalidateKeys  []string
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache and preload statistics of a running service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var stats struct {
			Cache        types.CacheStats `json:"cache"`
			StorageBytes int64            `json:"storageBytes"`
		}
		if err := call(http.MethodGet, "/stats", nil, &stats); err != nil {
			return err
		}

		var preload struct {
			Preload    types.PreloadStats `json:"preload"`
			Registered []string           `json:"registered"`
		}
		if err := call(http.MethodGet, "/preload/stats", nil, &preload); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		c := stats.Cache
		fmt.Fprintf(w, "entries:   %s total, %s valid, %s expired\n",
			humanize.Comma(int64(c.TotalItems)), humanize.Comma(int64(c.ValidItems)), humanize.Comma(int64(c.ExpiredItems)))
		fmt.Fprintf(w, "size:      %s serialized, %s stored\n",
			humanize.Bytes(uint64(c.TotalSizeBytes)), humanize.Bytes(uint64(stats.StorageBytes)))

		typeNames := make([]string, 0, len(c.CountsByType))
		for typ := range c.CountsByType {
			typeNames = append(typeNames, typ)
		}
		sort.Strings(typeNames)
		for _, typ := range typeNames {
			fmt.Fprintf(w, "  %-16s %s\n", typ, humanize.Comma(int64(c.CountsByType[typ])))
		}

		p := preload.Preload
		fmt.Fprintf(w, "preload:   %d queued, %d in flight, %s completed, %s retried, %s dropped\n",
			p.Queued, p.InFlight, humanize.Comma(int64(p.Completed)), humanize.Comma(int64(p.Retried)), humanize.Comma(int64(p.Dropped)))
		if len(preload.Registered) > 0 {
			fmt.Fprintf(w, "registered: %s\n", strings.Join(preload.Registered, ", "))
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired and unreadable entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var res struct {
			Removed int `json:"removed"`
		}
		if err := call(http.MethodPost, "/cache/sweep", nil, &res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s expired %s\n", humanize.Comma(int64(res.Removed)), plural(res.Removed))
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every entry, or every entry of one type",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := "/cache"
		if clearType != "" {
			path += "?type=" + url.QueryEscape(clearType)
		}

		var res struct {
			Removed int `json:"removed"`
		}
		if err := call(http.MethodDelete, path, nil, &res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s %s\n", humanize.Comma(int64(res.Removed)), plural(res.Removed))
		return nil
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Announce a data change so matching realtime queries refetch",
	Example: `  cachectl invalidate --topic dynamic --type caixas --key caixas
  cachectl invalidate --topic static --type produtos --key produtos,list`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if len(invalidateKeys) == 0 {
			return fmt.Errorf("at least one --key is required")
		}

		req := api.InvalidateRequest{
			Topic: invalidateTopic,
			Type:  invalidateType,
		}
		for _, k := range invalidateKeys {
			req.Keys = append(req.Keys, bus.Key(strings.Split(k, ",")))
		}

		var res struct {
			Topic     string `json:"topic"`
			Delivered int    `json:"delivered"`
		}
		if err := call(http.MethodPost, "/invalidate", req, &res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published on %s to %d %s\n", res.Topic, res.Delivered, pluralize(res.Delivered, "subscriber"))
		return nil
	},
}

func init() {
	clearCmd.Flags().StringVarP(&clearType, "type", "t", "", "only remove entries of this data type")

	invalidateCmd.Flags().StringVar(&invalidateTopic, "topic", "dynamic", "static or dynamic")
	invalidateCmd.Flags().StringVarP(&invalidateType, "type", "t", "", "data type that changed")
	invalidateCmd.Flags().StringArrayVarP(&invalidateKeys, "key", "k", nil, "comma separated key prefix; repeatable")
}

// call sends body as JSON to the admin API and decodes the JSON reply into out
func call(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, apiErr.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func plural(n int) string {
	return pluralize(n, "entry")
}

func pluralize(n int, word string) string {
	if n == 1 {
		return word
	}
	if strings.HasSuffix(word, "y") {
		return strings.TrimSuffix(word, "y") + "ies"
	}
	return word + "s"
}
