package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/theirongolddev/tally/internal/config"
	"github.com/theirongolddev/tally/internal/source"
	"github.com/theirongolddev/tally/internal/store"
)

// benchRoot writes files*lines synthetic log lines under a fresh root.
func benchRoot(b *testing.B, files, lines int) string {
	b.Helper()
	root := filepath.Join(b.TempDir(), "projects", testProject)
	if err := os.MkdirAll(root, 0o750); err != nil {
		b.Fatal(err)
	}
	for f := 0; f < files; f++ {
		session := fmt.Sprintf("s%03d", f)
		var sb strings.Builder
		for i := 0; i < lines; i++ {
			ts := t0.Add(time.Duration(i) * time.Second)
			if i%2 == 0 {
				sb.WriteString(userLine(fmt.Sprintf("%s-u%d", session, i), session, ts, "please refactor the handler"))
			} else {
				sb.WriteString(assistantLine(fmt.Sprintf("%s-a%d", session, i), session, fmt.Sprintf("req_%d", i), ts, 1200, 300))
			}
		}
		if err := os.WriteFile(filepath.Join(root, session+".jsonl"), []byte(sb.String()), 0o600); err != nil {
			b.Fatal(err)
		}
	}
	return filepath.Dir(root)
}

func BenchmarkSync_Cold(b *testing.B) {
	root := benchRoot(b, 8, 2000)
	pricing := config.DefaultConfig().PriceTable()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		st, err := store.Open(filepath.Join(b.TempDir(), fmt.Sprintf("bench-%d.db", i)))
		if err != nil {
			b.Fatal(err)
		}
		e := NewEngine(Config{Store: st, Pricing: pricing})
		b.StartTimer()

		if _, err := e.Sync(context.Background(), root); err != nil {
			b.Fatal(err)
		}

		b.StopTimer()
		_ = st.Close()
		b.StartTimer()
	}
}

func BenchmarkSync_Warm(b *testing.B) {
	root := benchRoot(b, 8, 2000)
	st, err := store.Open(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = st.Close() }()

	e := NewEngine(Config{Store: st, Pricing: config.DefaultConfig().PriceTable()})
	if _, err := e.Sync(context.Background(), root); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Sync(context.Background(), root); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkScanDir(b *testing.B) {
	root := benchRoot(b, 64, 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := source.ScanDir(root); err != nil {
			b.Fatal(err)
		}
	}
}
