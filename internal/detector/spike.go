package detector

// dropSpikes removes "jump then immediate reversion" readings before trend
// analysis. A point is discarded when its level jumps at least
// JumpThresholdPP away from the last kept level and some later point inside
// ReversalWindow returns to within ReversalTolerancePP of that pre-jump
// level. A jump that sticks is kept — it is a real level change.
func (d *Detector) dropSpikes(pts []Point) []Point {
	if len(pts) < 2 {
		return pts
	}

	out := make([]Point, 0, len(pts))
	out = append(out, pts[0])
	for i := 1; i < len(pts); i++ {
		prev := out[len(out)-1]
		jump := pts[i].Level.Sub(prev.Level).Abs()
		if jump.GreaterThanOrEqual(d.cfg.JumpThresholdPP) && d.revertsToBaseline(pts, i, prev) {
			continue
		}
		out = append(out, pts[i])
	}
	return out
}

func (d *Detector) revertsToBaseline(pts []Point, i int, baseline Point) bool {
	for j := i + 1; j < len(pts); j++ {
		if pts[j].Time.Sub(pts[i].Time) > d.cfg.ReversalWindow {
			return false
		}
		if pts[j].Level.Sub(baseline.Level).Abs().LessThanOrEqual(d.cfg.ReversalTolerancePP) {
			return true
		}
	}
	return false
}
