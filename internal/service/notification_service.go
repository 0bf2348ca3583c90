package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/procurement-api/internal/models"
	"github.com/noah-isme/procurement-api/pkg/jobs"
	"github.com/noah-isme/procurement-api/pkg/money"
)

const (
	notificationJobType = "transition_notification"
	projectEditJobType  = "project_edit_notification"
)

// ProjectEditEvent describes an admin change to a project's names or team.
type ProjectEditEvent struct {
	ProjectNumber int64
	ProjectName   string
	SponsorName   string
	MemberEmails  []string
	Actor         string
	EditedAt      time.Time
}

// Notification is a message about a request transition addressed to people.
type Notification struct {
	Recipients []string
	Subject    string
	Body       string
	Event      TransitionEvent
}

// Notifier delivers notifications, for example by email.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log instead of sending them.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, msg Notification) error {
	n.logger.Info("notification",
		zap.Strings("to", msg.Recipients),
		zap.String("subject", msg.Subject),
		zap.String("request_id", msg.Event.RequestID),
	)
	return nil
}

type teamLookup interface {
	GetByNumber(ctx context.Context, number int64) (*models.Project, error)
}

// NotificationService turns transition events into notifications delivered by
// a background worker pool. Delivery failures are logged and never surface to
// the caller that made the transition.
type NotificationService struct {
	notifier    Notifier
	projects    teamLookup
	adminEmails []string
	queue       *jobs.Queue
	metrics     *MetricsService
	logger      *zap.Logger
}

// NewNotificationService wires a notifier to a job queue configured by queueCfg.
func NewNotificationService(notifier Notifier, projects teamLookup, adminEmails []string, metrics *MetricsService, logger *zap.Logger, queueCfg jobs.QueueConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{
		notifier:    notifier,
		projects:    projects,
		adminEmails: adminEmails,
		metrics:     metrics,
		logger:      logger,
	}
	queueCfg.Logger = logger
	s.queue = jobs.NewQueue("notifications", s.process, queueCfg)
	return s
}

// Start launches the delivery workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop halts the workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// HandleEvent is an EventHandler that schedules delivery for evt.
func (s *NotificationService) HandleEvent(evt TransitionEvent) {
	job := jobs.Job{ID: evt.RequestID + ":" + string(evt.NewState), Type: notificationJobType, Payload: evt}
	if err := s.queue.Enqueue(job); err != nil {
		s.metrics.ObserveNotification(false)
		s.logger.Warn("notification not scheduled", zap.String("request_id", evt.RequestID), zap.Error(err))
	}
}

// ProjectEdited schedules a notice to the members of an edited project.
func (s *NotificationService) ProjectEdited(evt ProjectEditEvent) {
	id := strconv.FormatInt(evt.ProjectNumber, 10) + ":" + strconv.FormatInt(evt.EditedAt.UnixNano(), 10)
	job := jobs.Job{ID: id, Type: projectEditJobType, Payload: evt}
	if err := s.queue.Enqueue(job); err != nil {
		s.metrics.ObserveNotification(false)
		s.logger.Warn("notification not scheduled", zap.Int64("project_number", evt.ProjectNumber), zap.Error(err))
	}
}

func (s *NotificationService) process(ctx context.Context, job jobs.Job) error {
	var msg Notification
	switch payload := job.Payload.(type) {
	case TransitionEvent:
		built, err := s.Build(ctx, payload)
		if err != nil {
			return err
		}
		msg = built
	case ProjectEditEvent:
		msg = BuildProjectEdit(payload)
	default:
		return fmt.Errorf("unexpected payload %T", job.Payload)
	}
	if len(msg.Recipients) == 0 {
		return nil
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.metrics.ObserveNotification(false)
		return err
	}
	s.metrics.ObserveNotification(true)
	return nil
}

// Build composes the notification for evt, resolving the project team.
func (s *NotificationService) Build(ctx context.Context, evt TransitionEvent) (Notification, error) {
	var team []string
	if s.projects != nil {
		project, err := s.projects.GetByNumber(ctx, evt.ProjectNumber)
		if err != nil {
			return Notification{}, fmt.Errorf("load project %d team: %w", evt.ProjectNumber, err)
		}
		team = project.MemberEmails
	}
	if len(team) == 0 && evt.StudentEmail != "" {
		team = []string{evt.StudentEmail}
	}

	recipients := append([]string(nil), team...)
	switch evt.NewState {
	case models.StatusPending:
		recipients = append(recipients, evt.ManagerEmail)
	case models.StatusManagerApproved:
		recipients = append(recipients, s.adminEmails...)
	case models.StatusUpdatesForManager:
		if evt.Action == models.ActionUpdateManagerAdmin {
			recipients = append(recipients, evt.ManagerEmail)
		}
	case models.StatusCancelled:
		recipients = append(recipients, evt.ManagerEmail)
		if committedStatuses[evt.OldState] {
			recipients = append(recipients, s.adminEmails...)
		}
	}
	if evt.Actor != "" {
		recipients = append(recipients, evt.Actor)
	}

	verb := describeTransition(evt)
	body := fmt.Sprintf("Procurement request #%d for project %d was %s by %s.\nStatus: %s -> %s\nTotal: $%s",
		evt.RequestNumber, evt.ProjectNumber, verb, evt.Actor, evt.OldState, evt.NewState, money.FormatCents(evt.RequestTotal))
	if evt.Comment != "" {
		body += "\nComment: " + evt.Comment
	}
	return Notification{
		Recipients: dedupeEmails(recipients),
		Subject:    fmt.Sprintf("Procurement request #%d %s", evt.RequestNumber, verb),
		Body:       body,
		Event:      evt,
	}, nil
}

// BuildProjectEdit composes the notice sent to the members of an edited project.
func BuildProjectEdit(evt ProjectEditEvent) Notification {
	body := fmt.Sprintf("Project %d was updated by %s.\nProject: %s\nSponsor: %s\nMembers: %s",
		evt.ProjectNumber, evt.Actor, evt.ProjectName, evt.SponsorName, strings.Join(evt.MemberEmails, ", "))
	return Notification{
		Recipients: dedupeEmails(evt.MemberEmails),
		Subject:    fmt.Sprintf("Project %d updated", evt.ProjectNumber),
		Body:       body,
	}
}

func describeTransition(evt TransitionEvent) string {
	switch evt.Action {
	case models.ActionSubmit:
		if evt.NewState == models.StatusManagerApproved {
			return "resubmitted to admin"
		}
		if evt.OldState == models.StatusUpdatesForManager {
			return "resubmitted to manager"
		}
		return "submitted"
	case models.ActionApproveManager:
		return "approved by manager"
	case models.ActionApproveAdmin:
		return "approved by admin"
	case models.ActionRejectManager, models.ActionRejectAdmin:
		return "rejected"
	case models.ActionUpdateManager, models.ActionUpdateAdmin, models.ActionUpdateManagerAdmin:
		return "sent back for updates"
	case models.ActionOrder:
		return "ordered"
	case models.ActionReadyForPickup:
		return "delivered and is ready for pickup"
	case models.ActionComplete:
		return "marked as picked up"
	case models.ActionCancel:
		return "cancelled"
	default:
		return string(evt.Action)
	}
}

func dedupeEmails(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, email := range emails {
		email = strings.TrimSpace(strings.ToLower(email))
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	sort.Strings(out)
	return out
}
