package meetingtype

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/hackgods/crm-meeting-scheduler/internal/tenant"
)

func TestParseLocationType(t *testing.T) {
	for _, raw := range []string{"video", "phone", "in_person", "custom"} {
		if _, err := ParseLocationType(raw); err != nil {
			t.Errorf("ParseLocationType(%q) unexpected error: %v", raw, err)
		}
	}
	if _, err := ParseLocationType("carrier_pigeon"); !errors.Is(err, ErrUnknownLocationType) {
		t.Errorf("expected ErrUnknownLocationType, got %v", err)
	}
}

func TestAllowsDuration(t *testing.T) {
	mt := MeetingType{DurationMinutes: 30, AllowedDurations: []int{15, 60}}

	tests := []struct {
		minutes int
		want    bool
	}{
		{30, true},
		{15, true},
		{60, true},
		{45, false},
		{0, false},
		{-30, false},
	}
	for _, tt := range tests {
		if got := mt.AllowsDuration(tt.minutes); got != tt.want {
			t.Errorf("AllowsDuration(%d) = %v, want %v", tt.minutes, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	base := MeetingType{DurationMinutes: 30, LocationType: LocationVideo}
	if err := base.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*MeetingType)
	}{
		{"zero duration", func(mt *MeetingType) { mt.DurationMinutes = 0 }},
		{"unknown location", func(mt *MeetingType) { mt.LocationType = "teleport" }},
		{"sync without account", func(mt *MeetingType) { mt.CalendarSyncEnabled = true }},
		{"pipeline without id", func(mt *MeetingType) { mt.Pipeline = &PipelineBinding{AutoCreateRecord: true} }},
		{"negative alternative duration", func(mt *MeetingType) { mt.AllowedDurations = []int{-5} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := base.Snapshot()
			tt.mutate(&mt)
			if err := mt.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	mt := MeetingType{
		DurationMinutes:  30,
		AllowedDurations: []int{60},
		Pipeline:         &PipelineBinding{PipelineID: uuid.New(), FieldMapping: map[string]string{"company": "account_name"}},
		Facilitator:      &FacilitatorSettings{MaxTimeOptions: 3},
	}
	snap := mt.Snapshot()
	mt.AllowedDurations[0] = 90
	mt.Pipeline.FieldMapping["company"] = "changed"
	mt.Facilitator.MaxTimeOptions = 10

	if snap.AllowedDurations[0] != 60 {
		t.Error("snapshot durations changed with the original")
	}
	if snap.Pipeline.FieldMapping["company"] != "account_name" {
		t.Error("snapshot field mapping changed with the original")
	}
	if snap.Facilitator.MaxTimeOptions != 3 {
		t.Error("snapshot facilitator settings changed with the original")
	}
}

func TestFacilitatorSettingsDefaults(t *testing.T) {
	got := MeetingType{}.FacilitatorSettings()
	if got.MaxTimeOptions != DefaultMaxTimeOptions || got.ExpiryHours != DefaultExpiryHours {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestMemoryRepositoryScopesByTenant(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tcA, _ := tenant.New(uuid.New())
	tcB, _ := tenant.New(uuid.New())

	saved, err := repo.Save(ctx, tcA, MeetingType{Name: "Intro", DurationMinutes: 30, LocationType: LocationPhone})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := repo.Get(ctx, tcA, saved.ID); err != nil {
		t.Fatalf("get same tenant: %v", err)
	}
	if _, err := repo.Get(ctx, tcB, saved.ID); !errors.Is(err, ErrMeetingTypeNotFound) {
		t.Fatalf("expected ErrMeetingTypeNotFound across tenants, got %v", err)
	}
}
