package domain

// Stage names in plan order. Each export type maps to the stage of the
// same name; publish always runs last.
const (
	StageCutdown   = "cutdown"
	StageGIF       = "gif"
	StageThumbnail = "thumbnail"
	StageCanvas    = "canvas"
	StagePublish   = "publish"
)

// StageSpec describes one stage of pipeline work for a runner.
type StageSpec struct {
	JobID          string
	Name           string
	Export         ExportType // empty for publish
	Units          int
	Optional       bool // failure skips the stage instead of failing the job
	SourcePath     string
	SourceDuration float64    // seconds
	Inputs         []Artifact // prior-stage artifacts, set for publish
}

// StagePlan is the ordered execution plan for one job. Stages inside a
// group may run concurrently; groups run strictly in order.
type StagePlan struct {
	Groups [][]StageSpec
}

// PlanStages builds the plan for a work description: cutdown, then gif
// and thumbnail side by side, then canvas, then publish. Stages with no
// requested outputs are omitted; publish is always present.
func PlanStages(jobID string, desc WorkDescription) StagePlan {
	spec := func(t ExportType, optional bool) StageSpec {
		return StageSpec{
			JobID:          jobID,
			Name:           string(t),
			Export:         t,
			Units:          desc.Outputs[t],
			Optional:       optional,
			SourcePath:     desc.SourcePath,
			SourceDuration: desc.SourceDuration,
		}
	}

	var groups [][]StageSpec
	if desc.Outputs[ExportCutdown] > 0 {
		groups = append(groups, []StageSpec{spec(ExportCutdown, false)})
	}
	var mid []StageSpec
	if desc.Outputs[ExportGIF] > 0 {
		mid = append(mid, spec(ExportGIF, false))
	}
	if desc.Outputs[ExportThumbnail] > 0 {
		mid = append(mid, spec(ExportThumbnail, true))
	}
	if len(mid) > 0 {
		groups = append(groups, mid)
	}
	if desc.Outputs[ExportCanvas] > 0 {
		groups = append(groups, []StageSpec{spec(ExportCanvas, false)})
	}
	groups = append(groups, []StageSpec{{
		JobID:          jobID,
		Name:           StagePublish,
		Units:          desc.OperationCount(),
		SourcePath:     desc.SourcePath,
		SourceDuration: desc.SourceDuration,
	}})
	return StagePlan{Groups: groups}
}

// Stages returns the plan flattened in execution order.
func (p StagePlan) Stages() []StageSpec {
	var out []StageSpec
	for _, g := range p.Groups {
		out = append(out, g...)
	}
	return out
}

// unitWeights approximate the relative cost of one output per type.
// Canvas renders a forward and a reversed pass per loop.
var unitWeights = map[ExportType]float64{
	ExportCutdown:   4,
	ExportGIF:       2,
	ExportThumbnail: 1,
	ExportCanvas:    8,
}

const publishUnitWeight = 0.5

func stageWeight(s StageSpec) float64 {
	if s.Name == StagePublish {
		return publishUnitWeight * float64(s.Units)
	}
	return unitWeights[s.Export] * float64(s.Units)
}

// WorkShares maps each planned stage to its fraction of total job work.
// Shares sum to 1 and drive the overall progress number.
func (p StagePlan) WorkShares() map[string]float64 {
	total := 0.0
	for _, s := range p.Stages() {
		total += stageWeight(s)
	}
	shares := make(map[string]float64)
	if total == 0 {
		return shares
	}
	for _, s := range p.Stages() {
		shares[s.Name] = stageWeight(s) / total
	}
	return shares
}
