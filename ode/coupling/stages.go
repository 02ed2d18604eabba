package coupling

// StageKind classifies how a stage is computed.
type StageKind int

const (
	// StageFirst is stage 0 at the step start.
	StageFirst StageKind = iota
	// StageStiffAccurate is a final stage with Δc = 0 and an all-zero
	// coupling row: its value is the previous stage value.
	StageStiffAccurate
	// StageERKFast evolves the fast system under explicit slow forcing.
	StageERKFast
	// StageERKNoFast is an explicit combination of cached slow right-hand sides.
	StageERKNoFast
	// StageDIRKNoFast is an implicit slow stage without fast evolution.
	StageDIRKNoFast
	// StageDIRKFast solves an implicit predictor stage, then evolves the fast
	// system with forcing that includes the solved implicit term.
	StageDIRKFast
)

var stageKindNames = map[StageKind]string{
	StageFirst:         "first",
	StageStiffAccurate: "stiff-accurate",
	StageERKFast:       "erk-fast",
	StageERKNoFast:     "erk-nofast",
	StageDIRKNoFast:    "dirk-nofast",
	StageDIRKFast:      "dirk-fast",
}

func (k StageKind) String() string {
	if s, ok := stageKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Fast reports whether the stage evolves the inner stepper.
func (k StageKind) Fast() bool { return k == StageERKFast || k == StageDIRKFast }

// Implicit reports whether the stage requires a nonlinear solve.
func (k StageKind) Implicit() bool { return k == StageDIRKNoFast || k == StageDIRKFast }

// StageKinds classifies every stage of a validated table.
func (t *Table) StageKinds() []StageKind {
	kinds := make([]StageKind, t.Stages)
	kinds[0] = StageFirst
	for i := 1; i < t.Stages; i++ {
		kinds[i] = t.classify(i, false)
	}
	return kinds
}

// EmbeddingKind classifies the embedding stage, which replaces the last stage.
// Only meaningful when HasEmbedding is true.
func (t *Table) EmbeddingKind() StageKind {
	return t.classify(t.Stages-1, true)
}

func (t *Table) classify(i int, emb bool) StageKind {
	fast := t.C[i] > t.C[i-1]
	diag := t.hasDiagonal(i, emb)
	switch {
	case fast && diag:
		return StageDIRKFast
	case fast:
		return StageERKFast
	case diag:
		return StageDIRKNoFast
	case i == t.Stages-1 && t.ForcingTerms(i, emb) == 0:
		return StageStiffAccurate
	default:
		return StageERKNoFast
	}
}

func (t *Table) hasDiagonal(i int, emb bool) bool {
	for k := 0; k < t.NMat; k++ {
		if r := t.GRow(k, i, emb); r != nil && r[i] != 0 {
			return true
		}
	}
	return false
}

// LastUse returns, per stage j, the last stage whose coupling row reads
// stage j's right-hand side, or -1 if nothing reads it. Embedding reads count
// as stage Stages.
func (t *Table) LastUse() []int {
	last := make([]int, t.Stages)
	for j := range last {
		last[j] = -1
	}
	for i := 1; i < t.Stages; i++ {
		for _, j := range t.Sources(i, false) {
			last[j] = max(last[j], i)
		}
	}
	if t.HasEmbedding() {
		for _, j := range t.Sources(t.Stages-1, true) {
			last[j] = t.Stages
		}
	}
	return last
}

// SlotMap assigns each stage whose right-hand side is read later a physical
// cache slot, reusing a slot only once every reader of its previous owner
// precedes the new stage. Stages nobody reads map to -1.
func (t *Table) SlotMap() (stageMap []int, slots int) {
	last := t.LastUse()
	stageMap = make([]int, t.Stages)
	var owners []int
	for i := 0; i < t.Stages; i++ {
		if last[i] < 0 {
			stageMap[i] = -1
			continue
		}
		slot := -1
		for k, o := range owners {
			if last[o] < i {
				slot = k
				break
			}
		}
		if slot < 0 {
			owners = append(owners, i)
			slot = len(owners) - 1
		} else {
			owners[slot] = i
		}
		stageMap[i] = slot
	}
	return stageMap, len(owners)
}
