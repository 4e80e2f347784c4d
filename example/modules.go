package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overtonx/eventbus"
)

const (
	leadCreated    = "leads:lead.created"
	projectCreated = "projects:project.created"
	noteCountAsked = "notes:count.requested"
)

type LeadCreated struct {
	LeadID string `json:"leadId" validate:"required"`
	Name   string `json:"name" validate:"required"`
	Score  int    `json:"score" validate:"gte=0,lte=100"`
}

type ProjectCreated struct {
	ProjectID string `json:"projectId" validate:"required"`
	LeadID    string `json:"leadId" validate:"required"`
}

type NoteCountRequest struct {
	LeadID string `json:"leadId" validate:"required"`
}

// noteBook stands in for the notes module's storage.
type noteBook struct {
	mu    sync.Mutex
	notes map[string][]string
}

func (n *noteBook) add(leadID, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes[leadID] = append(n.notes[leadID], text)
}

func (n *noteBook) count(leadID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes[leadID])
}

// moduleEntries wires the sample leads, projects and notes modules together.
func moduleEntries(bus *eventbus.Bus, logger *zap.Logger) []eventbus.Entry {
	book := &noteBook{notes: make(map[string][]string)}
	byEventID := func(evt *eventbus.Event) string { return evt.Metadata.EventID }

	return []eventbus.Entry{
		{
			EventName: leadCreated,
			Options: eventbus.HandlerOptions{
				Module:         "projects",
				HandlerID:      "createProjectForLead",
				Schema:         eventbus.NewStructSchema[LeadCreated](),
				IdempotencyKey: byEventID,
				RetryPolicy:    &eventbus.RetryPolicy{MaxAttempts: 5, Backoff: 2 * time.Second, Exponential: true, Jitter: true},
			},
			Handler: func(ctx context.Context, evt *eventbus.Event) error {
				lead, err := eventbus.DecodeData[LeadCreated](evt)
				if err != nil {
					return err
				}
				_, err = bus.Emit(ctx, projectCreated, ProjectCreated{
					ProjectID: uuid.NewString(),
					LeadID:    lead.LeadID,
				}, "projects", eventbus.WithCorrelationID(evt.Metadata.CorrelationID))
				return err
			},
		},
		{
			EventName: leadCreated,
			Options: eventbus.HandlerOptions{
				Module:         "notes",
				HandlerID:      "welcomeNote",
				Schema:         eventbus.NewStructSchema[LeadCreated](),
				IdempotencyKey: byEventID,
			},
			Handler: func(ctx context.Context, evt *eventbus.Event) error {
				lead, err := eventbus.DecodeData[LeadCreated](evt)
				if err != nil {
					return err
				}
				book.add(lead.LeadID, fmt.Sprintf("Lead %s created with score %d", lead.Name, lead.Score))
				return nil
			},
		},
		{
			EventName: projectCreated,
			Options: eventbus.HandlerOptions{
				Module:    "notes",
				HandlerID: "projectNote",
				Schema:    eventbus.NewStructSchema[ProjectCreated](),
			},
			Handler: func(ctx context.Context, evt *eventbus.Event) error {
				project, err := eventbus.DecodeData[ProjectCreated](evt)
				if err != nil {
					return err
				}
				book.add(project.LeadID, "Project "+project.ProjectID+" opened")
				return nil
			},
		},
		{
			EventName: noteCountAsked,
			Options: eventbus.HandlerOptions{
				Module:    "notes",
				HandlerID: "countNotes",
				Schema:    eventbus.NewStructSchema[NoteCountRequest](),
				Timeout:   time.Second,
			},
			Handler: func(ctx context.Context, evt *eventbus.Event) error {
				req, err := eventbus.DecodeData[NoteCountRequest](evt)
				if err != nil {
					return err
				}
				if !bus.Respond(evt.Metadata.CorrelationID, book.count(req.LeadID)) {
					logger.Debug("Note count computed without a waiting query", zap.String("lead_id", req.LeadID))
				}
				return nil
			},
		},
	}
}

// emitSampleLeads plays the leads module: it creates a lead every few seconds
// and asks the notes module how many notes the previous one has.
func emitSampleLeads(ctx context.Context, bus *eventbus.Bus, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var previous string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if previous != "" {
				count, err := bus.Query(ctx, noteCountAsked, NoteCountRequest{LeadID: previous}, "leads", 2*time.Second)
				if err != nil {
					logger.Warn("Note count query failed", zap.String("lead_id", previous), zap.Error(err))
				} else {
					logger.Info("Notes for lead", zap.String("lead_id", previous), zap.Any("count", count))
				}
			}

			lead := LeadCreated{
				LeadID: uuid.NewString(),
				Name:   fmt.Sprintf("lead-%d", time.Now().Unix()),
				Score:  rand.IntN(101),
			}
			md, err := bus.Emit(ctx, leadCreated, lead, "leads")
			if err != nil {
				logger.Error("Failed to emit lead", zap.Error(err))
				continue
			}
			logger.Info("Lead created", zap.String("lead_id", lead.LeadID), zap.String("event_id", md.EventID))
			previous = lead.LeadID
		}
	}
}
