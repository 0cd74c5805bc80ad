package render

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BuildStatsString renders a JSON snapshot of renderer activity: frame
// and draw counters, per-slot transient arena usage, and pipeline cache
// statistics. Intended for debug overlays and logs.
func (r *Renderer) BuildStatsString() string {
	writer := jwriter.NewWriter()

	root := writer.Object()
	root.Name("FramesRendered").Int(int(r.framesRendered.Load()))
	root.Name("DrawsRecorded").Int(int(r.drawsRecorded.Load()))
	root.Name("DrawsCulled").Int(int(r.drawsCulled.Load()))
	root.Name("DrawsDropped").Int(int(r.drawsDropped.Load()))
	root.Name("PassesDegraded").Int(int(r.passesDegraded.Load()))

	ringObj := root.Name("FrameRing").Object()
	ringObj.Name("Depth").Int(r.ring.Depth())
	arenaArray := ringObj.Name("TransientArenaPeaks").Array()
	for _, frame := range r.ring.slots {
		arenaArray.Int(frame.arena.Peak())
	}
	arenaArray.End()
	ringObj.End()

	cacheObj := root.Name("PipelineCache").Object()
	r.cache.PrintStats(&cacheObj)
	cacheObj.End()

	root.End()
	return string(writer.Bytes())
}
