package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const statsInterval = 10 * time.Second

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes renders a byte count in a fixed 8-character width,
// e.g. "99.0   B", " 1.5 KiB".
func formatBytes(b float64) string {
	unit := 0
	for b > 99 && unit < len(byteUnits)-1 {
		b /= 1024
		unit++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unit])
}

type linkTotals struct {
	tx, rx uint64
}

// reportStats logs per-link throughput while traffic flows.
func (e *Engine) reportStats(ctx context.Context, log logrus.FieldLogger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	prev := map[string]linkTotals{}
	secs := statsInterval.Seconds()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := e.Status()
		next := make(map[string]linkTotals, len(st.Links))
		for _, l := range st.Links {
			cur := linkTotals{tx: l.TxBytes, rx: l.RxBytes}
			next[l.Name] = cur
			p := prev[l.Name]
			txRate := float64(cur.tx-p.tx) / secs
			rxRate := float64(cur.rx-p.rx) / secs
			if txRate < 10 && rxRate < 10 {
				continue
			}
			log.WithField("link", l.Name).Infof("Out: %s/s | In: %s/s | dup: %d | drops: %d",
				formatBytes(txRate), formatBytes(rxRate), l.RxDuplicates, l.TxDrops)
		}
		prev = next
	}
}
