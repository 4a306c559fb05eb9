package plan

import (
	"fmt"
	"strings"
	"time"

	"goa.design/loom/runtime/coord/events"
	"goa.design/loom/runtime/coord/merge"
	"goa.design/loom/runtime/coord/token"
	"goa.design/loom/runtime/coord/wfctx"
	"goa.design/loom/runtime/coord/workflow"
)

type (
	// SyncInput is the state a synchronization decision depends on. The
	// caller reads it from the stores; Synchronize itself is pure.
	SyncInput struct {
		// Token is the arriving token, whose task just completed.
		Token *token.Token
		// Transition is the synchronized transition being traversed.
		Transition *workflow.Transition
		// Siblings are all tokens in the token's sibling group, including
		// the arriving token itself.
		Siblings []*token.Token
		// FanIn is the existing record for this fan-in path, nil on first
		// arrival.
		FanIn *token.FanIn
		// Branches holds each sibling's full branch table row, for merging.
		Branches []merge.Record
		// Now is the planning clock value.
		Now time.Time
	}

	// TimeoutInput is the state a fan-in timeout decision depends on.
	TimeoutInput struct {
		FanIn      *token.FanIn
		Transition *workflow.Transition
		Siblings   []*token.Token
		Branches   []merge.Record
		Now        time.Time
	}
)

// FanInPath derives the unique fan-in identity for a token arriving at a
// synchronized transition: the lineage path the sibling group shares (the
// token's path with its own fan-out extension stripped) plus the transition.
// Every sibling of one fan-out computes the same value.
func FanInPath(tok *token.Token, transitionID string) string {
	base := tok.PathID
	if tok.BranchTotal > 1 {
		segs := strings.Split(base, ".")
		if len(segs) > 2 {
			base = strings.Join(segs[:len(segs)-2], ".")
		}
	}
	return base + ":" + transitionID
}

// Synchronize decides what happens when a token arrives at a synchronized
// transition: wait for siblings, activate the fan-in and proceed, or observe
// a lost race and simply complete.
func Synchronize(in SyncInput) (*Result, error) {
	res := &Result{}
	tok := in.Token
	sync := in.Transition.Synchronization
	path := FanInPath(tok, in.Transition.ID)

	// A fan-in that already resolved means this token arrived late: it lost
	// the race (or the wait timed out). Complete it and do nothing else.
	if in.FanIn != nil && in.FanIn.Status != token.FanInWaiting {
		res.add(UpdateTokenStatus{TokenID: tok.ID, Status: token.StatusCompleted})
		res.event(events.SyncLostRace, map[string]any{
			"token_id":    tok.ID,
			"fan_in_path": path,
		})
		return res, nil
	}

	arrived, completed, branches := tally(in.Siblings, tok.ID)
	satisfied, err := satisfied(sync, arrived, completed, branches)
	if err != nil {
		return nil, err
	}

	if !satisfied {
		if in.FanIn == nil {
			res.add(CreateFanIn{
				FanInPath:      path,
				NodeID:         in.Transition.To,
				TransitionID:   in.Transition.ID,
				FirstArrivalAt: in.Now,
			})
		}
		now := in.Now
		res.add(UpdateTokenStatus{TokenID: tok.ID, Status: token.StatusWaitingForSiblings, ArrivedAt: &now})
		if sync.TimeoutMS > 0 {
			oldest := in.Now
			if in.FanIn != nil {
				oldest = in.FanIn.FirstArrivalAt
			}
			res.add(ScheduleAlarm{At: oldest.Add(time.Duration(sync.TimeoutMS) * time.Millisecond)})
		}
		res.event(events.SyncWaiting, map[string]any{
			"token_id":    tok.ID,
			"fan_in_path": path,
			"arrived":     arrived,
			"group_size":  branches,
		})
		return res, nil
	}

	// Satisfied with the fan-in still open: this token activates. The
	// ActivateFanIn conditional update is the race arbiter; dispatch abandons
	// everything after it when the store reports the fan-in already taken.
	if in.FanIn == nil {
		res.add(CreateFanIn{
			FanInPath:      path,
			NodeID:         in.Transition.To,
			TransitionID:   in.Transition.ID,
			FirstArrivalAt: in.Now,
		})
	}
	res.add(ActivateFanIn{FanInPath: path, TokenID: tok.ID})
	activation(res, in.Transition, tok, in.Siblings, in.Branches, eligibleIDs(in.Siblings, tok.ID))
	res.event(events.SyncActivated, map[string]any{
		"token_id":    tok.ID,
		"fan_in_path": path,
		"strategy":    string(sync.Strategy),
	})
	return res, nil
}

// Timeout decides what happens when a waiting fan-in's deadline elapses.
// With proceed_with_available the oldest waiting sibling activates with
// whatever outputs arrived in time and every straggler is timed out; with
// fail the fan-in and the workflow both time out.
func Timeout(in TimeoutInput) (*Result, error) {
	sync := in.Transition.Synchronization
	res := &Result{}
	path := in.FanIn.FanInPath

	var activator *token.Token
	var stragglers []*token.Token
	for _, s := range in.Siblings {
		switch {
		case s.Status == token.StatusWaitingForSiblings:
			if activator == nil || arrivalBefore(s, activator) {
				activator = s
			}
		case s.Status.Active():
			stragglers = append(stragglers, s)
		}
	}

	if sync.OnTimeout != workflow.TimeoutProceed || activator == nil {
		res.add(TimeoutFanIn{FanInPath: path})
		for _, s := range in.Siblings {
			if s.Status.Active() {
				res.add(UpdateTokenStatus{TokenID: s.ID, Status: token.StatusTimedOut})
			}
		}
		res.add(FailWorkflow{
			Reason:   fmt.Sprintf("fan-in %s timed out", path),
			TimedOut: true,
		})
		res.event(events.SyncTimedOut, map[string]any{"fan_in_path": path, "proceeded": false})
		return res, nil
	}

	eligible := make(map[string]bool)
	for _, s := range in.Siblings {
		if s.Status == token.StatusWaitingForSiblings || s.Status == token.StatusCompleted {
			eligible[s.ID] = true
		}
	}
	res.add(ActivateFanIn{FanInPath: path, TokenID: activator.ID})
	for _, s := range stragglers {
		res.add(UpdateTokenStatus{TokenID: s.ID, Status: token.StatusTimedOut})
	}
	activation(res, in.Transition, activator, in.Siblings, in.Branches, eligible)
	res.event(events.SyncTimedOut, map[string]any{
		"fan_in_path": path,
		"proceeded":   true,
		"activator":   activator.ID,
	})
	return res, nil
}

// activation emits the shared tail of a fan-in activation: complete the other
// waiting siblings, merge branch outputs when configured, create the
// proceeding continuation token, and complete the activator.
func activation(res *Result, t *workflow.Transition, activator *token.Token, siblings []*token.Token, branches []merge.Record, eligible map[string]bool) {
	for _, s := range siblings {
		if s.ID != activator.ID && s.Status == token.StatusWaitingForSiblings {
			res.add(UpdateTokenStatus{TokenID: s.ID, Status: token.StatusCompleted})
		}
	}

	if spec := t.Synchronization.Merge; spec != nil {
		value, err := mergeBranches(spec, branches, eligible)
		if err != nil {
			res.add(FailWorkflow{Reason: err.Error()})
			return
		}
		res.add(SetContext{Path: spec.Target, Value: value})
		ids := make([]string, 0, len(siblings))
		for _, s := range siblings {
			ids = append(ids, s.ID)
		}
		res.add(DropBranchTables{TokenIDs: ids})
		res.event(events.ContextMerged, map[string]any{
			"target":   spec.Target,
			"strategy": string(spec.Strategy),
		})
	}

	counts := token.CloneCounts(activator.IterationCounts)
	counts[t.ID]++
	res.add(CreateToken{
		NodeID:          t.To,
		ParentTokenID:   activator.ID,
		PathID:          activator.PathID,
		SiblingGroup:    activator.SiblingGroup,
		BranchIndex:     activator.BranchIndex,
		BranchTotal:     activator.BranchTotal,
		IterationCounts: counts,
	})
	res.add(UpdateTokenStatus{TokenID: activator.ID, Status: token.StatusCompleted})
}

// mergeBranches extracts the merge source field from each eligible sibling's
// branch row and reduces with the configured strategy. Rows whose source
// field is missing are skipped, mirroring dropped tables of failed siblings.
func mergeBranches(spec *workflow.MergeSpec, branches []merge.Record, eligible map[string]bool) (any, error) {
	source := spec.Source
	if source == "" {
		source = workflow.DefaultMergeSource
	}
	segs := strings.Split(strings.TrimPrefix(source, "_branch."), ".")

	records := make([]merge.Record, 0, len(branches))
	for _, b := range branches {
		if !eligible[b.TokenID] {
			continue
		}
		row, ok := b.Output.(map[string]any)
		if !ok {
			continue
		}
		v, ok := wfctx.LookupAt(row, segs)
		if !ok {
			continue
		}
		records = append(records, merge.Record{TokenID: b.TokenID, BranchIndex: b.BranchIndex, Output: v})
	}
	return merge.Apply(spec.Strategy, records)
}

// tally counts arrived and task-completed branches. A branch is one lineage
// path; when a branch spans several nodes its sibling group accumulates one
// token per stage, so counting tokens would let completed earlier stages
// satisfy the fan-in before the current stage finishes. A branch has arrived
// once its current token is the arriver or waiting, or once every token on
// its path is terminal; it counts as completed unless its only terminal
// tokens failed.
func tally(siblings []*token.Token, arriverID string) (arrived, completed, branches int) {
	paths := make(map[string][]*token.Token)
	for _, s := range siblings {
		paths[s.PathID] = append(paths[s.PathID], s)
	}
	branches = len(paths)
	for _, toks := range paths {
		var isArriver, waiting, active, anyCompleted bool
		for _, s := range toks {
			switch {
			case s.ID == arriverID:
				isArriver = true
			case s.Status == token.StatusWaitingForSiblings:
				waiting = true
			case s.Status.Active():
				active = true
			case s.Status == token.StatusCompleted:
				anyCompleted = true
			}
		}
		switch {
		case isArriver, waiting:
			arrived++
			completed++
		case active:
			// The branch is still working on a later stage.
		default:
			arrived++
			if anyCompleted {
				completed++
			}
		}
	}
	return arrived, completed, branches
}

func satisfied(sync *workflow.Synchronization, arrived, completed, total int) (bool, error) {
	switch sync.Strategy {
	case workflow.SyncAll:
		return arrived == total, nil
	case workflow.SyncAny:
		return completed >= 1, nil
	case workflow.SyncMOfN:
		return arrived >= sync.MOfN, nil
	default:
		return false, fmt.Errorf("unknown synchronization strategy %q", sync.Strategy)
	}
}

func eligibleIDs(siblings []*token.Token, arriverID string) map[string]bool {
	eligible := make(map[string]bool, len(siblings))
	for _, s := range siblings {
		if s.ID == arriverID || s.Status == token.StatusWaitingForSiblings || s.Status == token.StatusCompleted {
			eligible[s.ID] = true
		}
	}
	return eligible
}

func arrivalBefore(a, b *token.Token) bool {
	if a.ArrivedAt == nil {
		return false
	}
	if b.ArrivedAt == nil {
		return true
	}
	return a.ArrivedAt.Before(*b.ArrivedAt)
}
