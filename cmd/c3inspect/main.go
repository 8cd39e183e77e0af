package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"c3-pipeline-go/internal/cache"
	"c3-pipeline-go/internal/config"
	"c3-pipeline-go/internal/logger"
	"c3-pipeline-go/internal/storage"

	"github.com/spf13/pflag"
)

// c3inspect 运维排查工具
//
//	c3inspect --key c3:<digest>               打印条目的证书/阈值/校准状态
//	c3inspect --key c3:<digest> --sample 10   对条目的每个选择器模拟N次TTL采样
//	c3inspect --key c3:<digest> --outcomes 20 列出该键最近的决策审计记录
//	c3inspect --key c3:<digest> --url         打印溢出工件的预签名下载URL
func main() {
	var (
		configPath string
		key        string
		samples    int
		showCalib  bool
		outcomes   int
		showURL    bool
	)
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file")
	pflag.StringVarP(&key, "key", "k", "", "Cache entry key (c3:<digest>)")
	pflag.IntVarP(&samples, "sample", "s", 0, "Simulate N TTL samples per selector")
	pflag.BoolVar(&showCalib, "calib", false, "Dump raw calibration observations")
	pflag.IntVarP(&outcomes, "outcomes", "o", 0, "List the N most recent audited decisions for the key")
	pflag.BoolVar(&showURL, "url", false, "Print a presigned download URL for an offloaded artifact")
	pflag.Parse()

	if key == "" {
		pflag.Usage()
		os.Exit(2)
	}

	logger.Init(logger.Config{Level: "warn", Format: "pretty"})

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	rdb, err := storage.NewRedisAdapter(&cfg.Redis)
	if err != nil {
		fmt.Fprintf(os.Stderr, "连接Redis失败: %v\n", err)
		os.Exit(1)
	}
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entry, err := rdb.LoadCacheEntry(ctx, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取条目失败: %v\n", err)
		os.Exit(1)
	}
	if entry == nil {
		fmt.Printf("条目不存在或已损坏: %s\n", key)
		os.Exit(1)
	}

	printEntry(key, entry, showCalib)

	if showURL {
		printPresignedURL(ctx, cfg, entry)
	}

	if samples > 0 {
		simulateTTL(entry, samples, cfg.C3.MinTTLSeconds, cfg.C3.MaxTTLSeconds)
	}

	if outcomes > 0 {
		printOutcomes(ctx, cfg, key, outcomes)
	}
}

// printPresignedURL 对溢出到对象存储的工件生成一小时有效的下载URL
func printPresignedURL(ctx context.Context, cfg *config.Config, entry *cache.CacheEntry) {
	if !storage.IsArtifactPointer(entry.Artifact) {
		fmt.Println("artifact url:   (inline artifact, nothing to presign)")
		return
	}
	if cfg.MinIO.Endpoint == "" {
		fmt.Fprintln(os.Stderr, "MinIO未配置，无法生成预签名URL")
		return
	}

	m, err := storage.NewMinIO(&cfg.MinIO, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "连接MinIO失败: %v\n", err)
		return
	}
	u, err := m.GetPresignedURL(ctx, string(entry.Artifact), time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "生成预签名URL失败: %v\n", err)
		return
	}
	fmt.Printf("artifact url:   %s\n", u)
}

// printOutcomes 列出该键最近的决策审计记录，倒序
func printOutcomes(ctx context.Context, cfg *config.Config, key string, limit int) {
	if cfg.MySQL.Host == "" {
		fmt.Fprintln(os.Stderr, "MySQL未配置，无法查询决策审计记录")
		return
	}

	db, err := storage.NewMySQL(&cfg.MySQL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "连接MySQL失败: %v\n", err)
		return
	}
	defer db.Close()

	rows, err := db.ListOutcomes(ctx, key, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询决策审计记录失败: %v\n", err)
		return
	}

	fmt.Printf("recent decisions (%d):\n", len(rows))
	for _, row := range rows {
		tau, realized := "-", "-"
		if row.TauDelta != nil {
			tau = fmt.Sprintf("%.4f", *row.TauDelta)
		}
		if row.RealizedSpanError != nil {
			realized = fmt.Sprintf("%.4f", *row.RealizedSpanError)
		}
		fmt.Printf("  %s  %-7s score=%.4f tau=%s realized_err=%s %s\n",
			row.CreatedAt.Format(time.RFC3339), row.Mode, row.Score, tau, realized, row.DecisionID)
	}
}

func printEntry(key string, entry *cache.CacheEntry, showCalib bool) {
	fmt.Printf("key:            %s\n", key)
	fmt.Printf("artifact:       %d bytes", len(entry.Artifact))
	if storage.IsArtifactPointer(entry.Artifact) {
		fmt.Printf(" (offloaded: %s)", entry.Artifact)
	}
	fmt.Println()
	fmt.Printf("tau_delta:      %g\n", entry.TauDelta)
	fmt.Printf("calib window:   %d observations\n", len(entry.CalibScores))
	fmt.Printf("created_at:     %s\n", entry.Meta.CreatedAt.Format(time.RFC3339))
	fmt.Printf("template/model: %s / %s\n", entry.Meta.TemplateVersion, entry.Meta.ModelID)

	selectors := make([]string, 0, len(entry.DC.Spans))
	for sel := range entry.DC.Spans {
		selectors = append(selectors, sel)
	}
	sort.Strings(selectors)

	fmt.Println("selectors:")
	for _, sel := range selectors {
		ttl := entry.SelectorTTL[sel]
		fmt.Printf("  %-14s spans=%d tau=%g probes=%d worst_delta=%d beta=(%.2f,%.2f) last_ttl=%ds\n",
			sel,
			len(entry.DC.Spans[sel]),
			entry.SelectorThreshold(sel),
			len(entry.Probes[sel]),
			entry.WorstProbeDelta(sel),
			ttl.Alpha, ttl.Beta, ttl.LastSampledTTL,
		)
	}

	if showCalib {
		dump := map[string]interface{}{
			"global":   entry.CalibScores,
			"selector": entry.SelectorCalib,
		}
		b, _ := json.MarshalIndent(dump, "", "  ")
		fmt.Printf("calibration:\n%s\n", b)
	}
}

// simulateTTL 对每个选择器按当前Beta参数模拟采样，观察TTL分布的趋势
func simulateTTL(entry *cache.CacheEntry, n, minTTL, maxTTL int) {
	selectors := make([]string, 0, len(entry.DC.Spans))
	for sel := range entry.DC.Spans {
		selectors = append(selectors, sel)
	}
	sort.Strings(selectors)

	fmt.Printf("simulated TTL samples (n=%d, range=[%ds,%ds]):\n", n, minTTL, maxTTL)
	for _, sel := range selectors {
		state, ok := entry.SelectorTTL[sel]
		if !ok {
			state = cache.DefaultSelectorTTLState()
		}

		minSeen, maxSeen, sum := maxTTL+1, -1, 0
		for i := 0; i < n; i++ {
			ttl := cache.SampleTTL(state.Alpha, state.Beta, minTTL, maxTTL)
			sum += ttl
			if ttl < minSeen {
				minSeen = ttl
			}
			if ttl > maxSeen {
				maxSeen = ttl
			}
		}
		fmt.Printf("  %-14s min=%ds avg=%ds max=%ds\n", sel, minSeen, sum/n, maxSeen)
	}
}
