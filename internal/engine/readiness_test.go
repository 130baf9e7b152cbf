package engine_test

import (
	"errors"
	"strings"
	"testing"

	"callsheet/internal/domain"
	"callsheet/internal/engine"
)

func TestLoadReadinessKeepsProjectsApart(t *testing.T) {
	env := newTestEnv(t)
	env.createProject(t, "gala", nil)
	env.createProject(t, "tour", nil)

	if err := env.Engine.LoadReadiness(env.Ctx, "gala", engine.ReadinessBundle{
		TeamAssignments: []domain.TeamAssignment{{ID: "a1", UserID: "u1", Role: "stage_manager"}},
		Timecards:       []domain.Timecard{{ID: "tc1", UserID: "u1", Status: domain.TimecardSubmitted}},
	}, "producer"); err != nil {
		t.Fatalf("load gala: %v", err)
	}
	// Same row ids under another project.
	if err := env.Engine.LoadReadiness(env.Ctx, "tour", engine.ReadinessBundle{
		TeamAssignments: []domain.TeamAssignment{{ID: "a1", UserID: "u9", Role: "stage_manager", Confirmed: true}},
		Timecards:       []domain.Timecard{{ID: "tc1", UserID: "u9", Status: domain.TimecardApproved, Paid: true}},
	}, "producer"); err != nil {
		t.Fatalf("load tour: %v", err)
	}

	cards, err := env.Engine.Repo.ListTimecards(env.Ctx, "gala")
	if err != nil {
		t.Fatalf("list timecards: %v", err)
	}
	if len(cards) != 1 || cards[0].Status != domain.TimecardSubmitted || cards[0].Paid || cards[0].UserID != "u1" {
		t.Fatalf("gala timecards changed by another project's load: %+v", cards)
	}
	team, err := env.Engine.Repo.ListTeamAssignments(env.Ctx, "gala")
	if err != nil {
		t.Fatalf("list team: %v", err)
	}
	if len(team) != 1 || team[0].Confirmed || team[0].UserID != "u1" {
		t.Fatalf("gala team changed by another project's load: %+v", team)
	}
	cards, err = env.Engine.Repo.ListTimecards(env.Ctx, "tour")
	if err != nil || len(cards) != 1 || cards[0].Status != domain.TimecardApproved {
		t.Fatalf("tour timecards %+v (%v)", cards, err)
	}
}

func TestLoadReadinessReplacesPreviousRows(t *testing.T) {
	env := newTestEnv(t)
	env.createProject(t, "p1", nil)

	full := engine.ReadinessBundle{
		TeamAssignments:      []domain.TeamAssignment{{ID: "a1", UserID: "u1", Role: "stage_manager", Confirmed: true}},
		StaffingRequirements: []domain.StaffingRequirement{{Role: "stage_manager", Required: 1}},
		Items:                []domain.ReadinessItem{{Phase: domain.PhasePrep, Key: "contract", Label: "Venue contract"}},
	}
	if err := env.Engine.LoadReadiness(env.Ctx, "p1", full, "producer"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := env.Engine.LoadReadiness(env.Ctx, "p1", full, "producer"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	team, err := env.Engine.Repo.ListTeamAssignments(env.Ctx, "p1")
	if err != nil || len(team) != 1 {
		t.Fatalf("expected one assignment after identical reload, got %+v (%v)", team, err)
	}

	if err := env.Engine.LoadReadiness(env.Ctx, "p1", engine.ReadinessBundle{}, "producer"); err != nil {
		t.Fatalf("load empty: %v", err)
	}
	team, err = env.Engine.Repo.ListTeamAssignments(env.Ctx, "p1")
	if err != nil || len(team) != 0 {
		t.Fatalf("expected no assignments after empty load, got %+v (%v)", team, err)
	}
	reqs, err := env.Engine.Repo.ListStaffingRequirements(env.Ctx, "p1")
	if err != nil || len(reqs) != 0 {
		t.Fatalf("expected no staffing requirements, got %+v (%v)", reqs, err)
	}
	items, err := env.Engine.Repo.ListReadinessItems(env.Ctx, "p1", domain.PhasePrep, true)
	if err != nil || len(items) != 0 {
		t.Fatalf("expected no readiness items, got %+v (%v)", items, err)
	}
}

func TestLoadReadinessRejectsBadRowsBeforeWriting(t *testing.T) {
	env := newTestEnv(t)
	env.createProject(t, "p1", nil)
	if err := env.Engine.LoadReadiness(env.Ctx, "p1", engine.ReadinessBundle{
		TeamAssignments: []domain.TeamAssignment{{ID: "a1", UserID: "u1", Role: "stage_manager"}},
	}, "producer"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := env.Engine.LoadReadiness(env.Ctx, "p1", engine.ReadinessBundle{
		Timecards: []domain.Timecard{{ID: "tc1", Status: domain.TimecardDraft}, {ID: "tc2", Status: "lost"}},
	}, "producer")
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "timecards[1].status" {
		t.Fatalf("expected validation error on timecards[1].status, got %v", err)
	}
	team, err := env.Engine.Repo.ListTeamAssignments(env.Ctx, "p1")
	if err != nil || len(team) != 1 {
		t.Fatalf("rejected bundle must leave existing rows, got %+v (%v)", team, err)
	}
}

func TestLoadReadinessStorageFailureIsPersistence(t *testing.T) {
	env := newTestEnv(t)
	env.createProject(t, "p1", nil)
	env.Engine.DB.Close()

	err := env.Engine.LoadReadiness(env.Ctx, "p1", engine.ReadinessBundle{
		Timecards: []domain.Timecard{{ID: "tc1", Status: domain.TimecardSubmitted}},
	}, "producer")
	if err == nil {
		t.Fatal("expected an error from a closed database")
	}
	if code := domain.ErrorCode(err); code != domain.CodePersistence {
		t.Fatalf("expected %s, got %s (%v)", domain.CodePersistence, code, err)
	}
	if strings.Contains(err.Error(), "timecards") {
		t.Fatalf("storage failure reported as a row problem: %v", err)
	}
}
