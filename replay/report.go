package replay

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/comms-replay/comms-replay/replay/trace"
)

// latSummary is the six-number summary printed for every sample list.
type latSummary struct {
	total, max, min, mean, p50, p95 float64
}

func summarize(samples []float64) latSummary {
	if len(samples) == 0 {
		return latSummary{}
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	return latSummary{
		total: floats.Sum(sorted),
		max:   sorted[len(sorted)-1],
		min:   sorted[0],
		mean:  stat.Mean(sorted, nil),
		p50:   percentile(sorted, 0.5),
		p95:   percentile(sorted, 0.95),
	}
}

// percentile places quantile p at position p*(n-1) of the sorted samples and
// interpolates linearly between the two neighbouring samples.
func percentile(sorted []float64, p float64) float64 {
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// ReportBenchTime prints this rank's replay statistics: trace length, block
// sums, per-kind message sizes, and, outside dry runs, per-kind latency
// breakdowns and batch latencies. Call it on rank 0 after the replays.
func (e *Engine) ReportBenchTime() {
	fmt.Printf("\n+++++ %d msgs recorded in %s +++++\n\n", len(e.ops), e.traceFile)

	for _, block := range e.blockOrder {
		blockComms := e.commsBlocks[block]
		var total float64
		if !e.params.DryRun {
			for _, comm := range blockComms {
				total += comm.LatencyUs
			}
		}
		logrus.Infof("+ %d comms in block %s: %.2f us in total", len(blockComms), block, total)
	}

	logrus.Infof("==================== Message size Statistics ====================")
	for _, kind := range sortedKinds(e.collInMsgSizes) {
		inSizes := summarize(e.collInMsgSizes[kind])
		fmt.Println("--------------------------------------------------")
		fmt.Printf("+ %d %s\n", len(e.collInMsgSizes[kind]), kind)
		fmt.Println("--------------------------------------------------")
		fmt.Printf("Size of Input tensors (elements)\n %10s %15s %10s %13s %13s %13s\n",
			"Total (MB)", "Max.", "Min.", "Average", "p50", "p95")
		fmt.Printf("%10.2f %15.2f %10.2f %15.2f %15.2f %15.2f\n",
			inSizes.total/1024/1024, inSizes.max, inSizes.min, inSizes.mean, inSizes.p50, inSizes.p95)
		logrus.Debugf("  - Used sizes: %v", sortedSizes(e.collInUniSizes[kind]))

		outSizes := summarize(e.collOutMsgSizes[kind])
		fmt.Printf("Size of Output tensors (elements)\n %10s %15s %10s %13s %13s %13s\n",
			"Total (MB)", "Max.", "Min.", "Average", "p50", "p95")
		fmt.Printf("%10.2f %15.2f %10.2f %15.2f %15.2f %15.2f\n",
			outSizes.total/1024/1024, outSizes.max, outSizes.min, outSizes.mean, outSizes.p50, outSizes.p95)
		logrus.Debugf("  - Used sizes: %v", sortedSizes(e.collOutUniSizes[kind]))
	}

	if e.params.DryRun {
		return
	}

	fmt.Println("\n==================== Performance of replayed comms ====================")
	fmt.Printf("--------------------------------------------------\n Total latency (us) of comms in trace %.2f: \n--------------------------------------------------\n",
		e.totalTraceLatency)
	for _, kind := range sortedKinds(e.collLat) {
		lats := e.collLat[kind]
		if len(lats) == 0 {
			continue
		}
		s := summarize(lats)
		share := 0.0
		if e.totalCommsLatency > 0 {
			share = s.total / e.totalCommsLatency * 100
		}
		fmt.Printf("--------------------------------------------------\n Replayed %d %s (%.2f%%): \n--------------------------------------------------\n",
			len(lats), kind, share)
		fmt.Printf("Latency (us)\n %10s %10s %10s %10s %10s %10s\n", "Total", "Max.", "Min.", "Average", "p50", "p95")
		fmt.Printf(" %10.2f %10.2f %10.2f %10.2f %10.2f %10.2f\n", s.total, s.max, s.min, s.mean, s.p50, s.p95)
	}

	if e.params.CollsPerBatch > 0 && len(e.batchLat) > 0 {
		fmt.Println("\n==================== Batch Latency Performance ====================")
		s := summarize(e.batchLat)
		fmt.Printf("Batch Latency (ms)\n %10s %10s %10s %10s %10s %10s\n", "Total", "Max.", "Min.", "Average", "p50", "p95")
		fmt.Printf(" %10.2f %10.2f %10.2f %10.2f %10.2f %10.2f\n", s.total, s.max, s.min, s.mean, s.p50, s.p95)
	}
}

func sortedKinds[V any](m map[trace.OpKind]V) []trace.OpKind {
	kinds := make([]trace.OpKind, 0, len(m))
	for k := range m {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func sortedSizes(set map[int64]bool) []int64 {
	sizes := make([]int64, 0, len(set))
	for s := range set {
		sizes = append(sizes, s)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	return sizes
}
