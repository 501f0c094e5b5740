package main

import (
	"fmt"
	"strings"
	"time"

	"rick-terminal/scanner"
	"rick-terminal/session"
)

// systemStatus renders the Telegram /status report.
func systemStatus(sessions []session.SessionInfo, scanners []scanner.Status, clients int, started time.Time) string {
	var b strings.Builder

	b.WriteString("📊 *RICK TERMINAL STATUS*\n\n")
	fmt.Fprintf(&b, "⏱ Uptime: %s\n", time.Since(started).Round(time.Second))
	fmt.Fprintf(&b, "🖥 Dashboard clients: %d\n", clients)

	fmt.Fprintf(&b, "\n🔌 *Broker sessions:* %d\n", len(sessions))
	for _, s := range sessions {
		fmt.Fprintf(&b, "• %s (%s) %s\n", s.Username, s.AccountType, s.State)
	}

	fmt.Fprintf(&b, "\n🎯 *Running scanners:* %d\n", len(scanners))
	for _, st := range scanners {
		line := "• " + st.Username
		if st.Config != nil {
			line += fmt.Sprintf(" %s %dm %s", st.Config.Mode, st.Config.Timeframe, st.Config.Sensitivity)
		}
		fmt.Fprintf(&b, "%s, %d signals\n", line, st.SignalsCount)
	}

	return b.String()
}
