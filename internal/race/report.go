package race

import (
	"fmt"
	"strings"
)

var medals = []string{"🥇", "🥈", "🥉"}

func rank(i int) string {
	if i < len(medals) {
		return medals[i]
	}
	return fmt.Sprintf("#%d", i+1)
}

func shortSig(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8] + "..."
}

// Report renders the human-readable performance report of a race.
func Report(r *Result) string {
	var b strings.Builder
	elapsed := ms(r.SinceDetection)

	b.WriteString("===== VENDOR PERFORMANCE REPORT =====\n")
	if len(r.Successes) > 0 {
		fmt.Fprintf(&b, "✅ SUCCESSFUL VENDORS (%d):\n", len(r.Successes))
		for i, o := range r.Successes {
			fmt.Fprintf(&b, "%s %s: %.2fms | sig: %s | total elapsed: %.2fms\n",
				rank(i), o.Vendor, ms(o.Elapsed), shortSig(o.Signature.String()), elapsed)
		}
	}
	if len(r.Failures) > 0 {
		fmt.Fprintf(&b, "❌ FAILED VENDORS (%d):\n", len(r.Failures))
		for _, o := range r.Failures {
			fmt.Fprintf(&b, "  %s: %.2fms (FAILED: %v)\n", o.Vendor, ms(o.Elapsed), o.Err)
		}
	}

	var avg float64
	if n := len(r.Outcomes); n > 0 {
		var sum float64
		for _, o := range r.Outcomes {
			sum += ms(o.Elapsed)
		}
		avg = sum / float64(n)
	}
	fmt.Fprintf(&b, "📊 SUMMARY: Total time: %.2fms | Avg vendor time: %.2fms | Success rate: %d/%d\n",
		ms(r.WallTime), avg, len(r.Successes), len(r.Outcomes))
	b.WriteString("=====================================")
	return b.String()
}
