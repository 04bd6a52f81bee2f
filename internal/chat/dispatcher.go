package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/presence"
	"streamgate/internal/repository"
	"streamgate/internal/slowmode"
	"streamgate/internal/transport"
)

// Sanction duration and slow-mode bounds.
const (
	defaultTimeoutSeconds = 300
	maxTimeoutSeconds     = 86400
	maxSlowModeSeconds    = 1200
)

// Actor identifies the connection issuing a command.
type Actor struct {
	ConnectionID string
	UserID       uint
	Username     string
	Role         models.ChatRole
}

// Dispatcher executes slash commands against a stream's chat.
type Dispatcher struct {
	presence   *presence.Manager
	emitter    transport.Emitter
	users      repository.UserRepository
	streams    repository.StreamRepository
	moderation repository.ModerationRepository
	slowMode   *slowmode.Manager
	logger     *slog.Logger
	now        func() time.Time
}

// NewDispatcher wires a command dispatcher.
func NewDispatcher(
	pm *presence.Manager,
	emitter transport.Emitter,
	users repository.UserRepository,
	streams repository.StreamRepository,
	moderation repository.ModerationRepository,
	sm *slowmode.Manager,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		presence:   pm,
		emitter:    emitter,
		users:      users,
		streams:    streams,
		moderation: moderation,
		slowMode:   sm,
		logger:     logger,
		now:        time.Now,
	}
}

// IsCommand reports whether a chat message is a slash command.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// Dispatch parses and executes one command. The raw text includes the
// leading slash. All outcomes, success or failure, are acknowledged to the
// actor's connection; moderation commands additionally broadcast.
func (d *Dispatcher) Dispatch(ctx context.Context, actor Actor, streamID, raw string) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(raw), "/"))
	if len(fields) == 0 {
		d.usage(actor, "Type /help for available commands")
		return
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	switch name {
	case "help":
		d.handleHelp(actor)
	case "uptime":
		d.handleUptime(ctx, actor, streamID)
	case "viewers":
		d.handleViewers(actor, streamID)
	case "timeout":
		d.handleTimeout(ctx, actor, streamID, args)
	case "ban":
		d.handleBan(ctx, actor, streamID, args)
	case "unban":
		d.handleUnban(ctx, actor, streamID, args)
	case "slowmode":
		d.handleSlowMode(ctx, actor, streamID, args)
	case "clear":
		d.handleClear(ctx, actor, streamID)
	case "pin":
		d.handlePin(actor, streamID, args)
	case "unpin":
		d.handleUnpin(actor, streamID)
	case "mod":
		d.handleMod(ctx, actor, streamID, args)
	case "unmod":
		d.handleUnmod(ctx, actor, streamID, args)
	default:
		d.error(actor, fmt.Sprintf("Unknown command: /%s", name))
	}
}

func (d *Dispatcher) error(actor Actor, message string) {
	d.emitter.EmitToConnection(actor.ConnectionID, EventCommandError, Ack{Message: message})
}

func (d *Dispatcher) success(actor Actor, message string) {
	d.emitter.EmitToConnection(actor.ConnectionID, EventCommandSuccess, Ack{Message: message})
}

func (d *Dispatcher) usage(actor Actor, message string) {
	d.emitter.EmitToConnection(actor.ConnectionID, EventCommandUsage, Ack{Message: message})
}

// canModerate is the "moderator or owner" check shared by most commands.
// Platform admins always qualify.
func (d *Dispatcher) canModerate(streamID string, actor Actor) bool {
	if actor.Role == models.RoleAdmin {
		return true
	}
	return d.presence.IsOwner(streamID, actor.UserID) || d.presence.IsModerator(streamID, actor.UserID)
}

// canGrant is the stricter check for mod/unmod: granting moderator status is
// not delegable to moderators.
func (d *Dispatcher) canGrant(streamID string, actor Actor) bool {
	return actor.Role == models.RoleAdmin || d.presence.IsOwner(streamID, actor.UserID)
}

// resolveTarget looks up the command's target user by username. The lookup
// runs only after authorization so unauthorized callers learn nothing about
// which usernames exist.
func (d *Dispatcher) resolveTarget(ctx context.Context, actor Actor, streamID, username string) (*models.User, bool) {
	target, err := d.users.GetByUsername(ctx, username)
	if err != nil {
		d.error(actor, fmt.Sprintf("User %q not found", username))
		return nil, false
	}
	if target.ID == actor.UserID {
		d.error(actor, "You cannot target yourself")
		return nil, false
	}
	if d.presence.IsOwner(streamID, target.ID) {
		d.error(actor, "You cannot moderate the streamer")
		return nil, false
	}
	return target, true
}

func (d *Dispatcher) handleHelp(actor Actor) {
	d.success(actor, "Available commands: /timeout <user> [seconds] [reason], /ban <user> [reason], "+
		"/unban <user>, /slowmode <seconds|off>, /clear, /pin <message>, /unpin, /mod <user>, "+
		"/unmod <user>, /help, /uptime, /viewers")
}

func (d *Dispatcher) handleUptime(ctx context.Context, actor Actor, streamID string) {
	stream, err := d.streams.GetStreamByID(ctx, streamID)
	if err != nil {
		d.error(actor, "Failed to execute command")
		return
	}
	if !stream.IsLive || stream.StartedAt == nil {
		d.success(actor, "Stream is offline")
		return
	}
	uptime := d.now().Sub(*stream.StartedAt).Truncate(time.Second)
	d.success(actor, fmt.Sprintf("Stream has been live for %s", uptime))
}

func (d *Dispatcher) handleViewers(actor Actor, streamID string) {
	count := d.presence.ViewerCount(streamID)
	if count == 1 {
		d.success(actor, "1 viewer watching")
		return
	}
	d.success(actor, fmt.Sprintf("%d viewers watching", count))
}

func (d *Dispatcher) handleTimeout(ctx context.Context, actor Actor, streamID string, args []string) {
	if !d.canModerate(streamID, actor) {
		d.error(actor, "You do not have permission to use this command")
		return
	}
	if len(args) < 1 {
		d.usage(actor, "Usage: /timeout <username> [seconds] [reason]")
		return
	}

	duration := defaultTimeoutSeconds
	reasonStart := 1
	if len(args) >= 2 {
		if secs, err := strconv.Atoi(args[1]); err == nil {
			if secs < 1 || secs > maxTimeoutSeconds {
				d.usage(actor, fmt.Sprintf("Timeout duration must be between 1 and %d seconds", maxTimeoutSeconds))
				return
			}
			duration = secs
			reasonStart = 2
		}
	}
	reason := strings.Join(args[reasonStart:], " ")

	target, ok := d.resolveTarget(ctx, actor, streamID, args[0])
	if !ok {
		return
	}

	expires := d.now().Add(time.Duration(duration) * time.Second)
	record := &models.ModerationRecord{
		StreamID:    streamID,
		UserID:      target.ID,
		ModeratorID: actor.UserID,
		Action:      models.ModerationActionTimeout,
		Reason:      reason,
		Duration:    &duration,
		ExpiresAt:   &expires,
	}
	if err := d.moderation.CreateRecord(ctx, record); err != nil {
		d.logger.Error("timeout: persisting moderation record failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		d.error(actor, "Failed to execute command")
		return
	}

	d.broadcastModeration(streamID, actor, target, record)
	d.success(actor, fmt.Sprintf("%s timed out for %d seconds", target.Username, duration))
}

func (d *Dispatcher) handleBan(ctx context.Context, actor Actor, streamID string, args []string) {
	if !d.canModerate(streamID, actor) {
		d.error(actor, "You do not have permission to use this command")
		return
	}
	if len(args) < 1 {
		d.usage(actor, "Usage: /ban <username> [reason]")
		return
	}
	reason := strings.Join(args[1:], " ")

	target, ok := d.resolveTarget(ctx, actor, streamID, args[0])
	if !ok {
		return
	}

	record := &models.ModerationRecord{
		StreamID:    streamID,
		UserID:      target.ID,
		ModeratorID: actor.UserID,
		Action:      models.ModerationActionBan,
		Reason:      reason,
	}
	if err := d.moderation.CreateRecord(ctx, record); err != nil {
		d.logger.Error("ban: persisting moderation record failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		d.error(actor, "Failed to execute command")
		return
	}

	d.broadcastModeration(streamID, actor, target, record)
	d.success(actor, fmt.Sprintf("%s has been banned", target.Username))
}

func (d *Dispatcher) handleUnban(ctx context.Context, actor Actor, streamID string, args []string) {
	if !d.canModerate(streamID, actor) {
		d.error(actor, "You do not have permission to use this command")
		return
	}
	if len(args) < 1 {
		d.usage(actor, "Usage: /unban <username>")
		return
	}

	target, ok := d.resolveTarget(ctx, actor, streamID, args[0])
	if !ok {
		return
	}

	record := &models.ModerationRecord{
		StreamID:    streamID,
		UserID:      target.ID,
		ModeratorID: actor.UserID,
		Action:      models.ModerationActionUnban,
	}
	if err := d.moderation.CreateRecord(ctx, record); err != nil {
		d.logger.Error("unban: persisting moderation record failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		d.error(actor, "Failed to execute command")
		return
	}

	d.broadcastModeration(streamID, actor, target, record)
	d.success(actor, fmt.Sprintf("%s has been unbanned", target.Username))
}

func (d *Dispatcher) handleSlowMode(ctx context.Context, actor Actor, streamID string, args []string) {
	if !d.canModerate(streamID, actor) {
		d.error(actor, "You do not have permission to use this command")
		return
	}
	if len(args) < 1 {
		d.usage(actor, "Usage: /slowmode <seconds|off>")
		return
	}

	var delay int
	if strings.EqualFold(args[0], "off") {
		delay = 0
	} else {
		secs, err := strconv.Atoi(args[0])
		if err != nil || secs < 0 || secs > maxSlowModeSeconds {
			d.usage(actor, fmt.Sprintf("Slow mode delay must be 0-%d seconds or \"off\"", maxSlowModeSeconds))
			return
		}
		delay = secs
	}

	// Store first; the in-memory gate only changes once the write sticks.
	if err := d.streams.SetSlowModeDelay(ctx, streamID, delay); err != nil {
		d.logger.Error("slowmode: persisting delay failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		d.error(actor, "Failed to execute command")
		return
	}
	d.slowMode.SetDelay(streamID, delay)

	d.emitter.EmitToRoom(transport.StreamRoom(streamID), EventSlowModeSet, SlowModeChanged{
		StreamID:     streamID,
		DelaySeconds: delay,
		ChangedBy:    actor.Username,
	})
	if delay == 0 {
		d.success(actor, "Slow mode disabled")
	} else {
		d.success(actor, fmt.Sprintf("Slow mode set to %d seconds", delay))
	}
}

func (d *Dispatcher) handleClear(ctx context.Context, actor Actor, streamID string) {
	if !d.canModerate(streamID, actor) {
		d.error(actor, "You do not have permission to use this command")
		return
	}

	cleared, err := d.streams.ClearStreamMessages(ctx, streamID)
	if err != nil {
		d.logger.Error("clear: tombstoning messages failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		d.error(actor, "Failed to execute command")
		return
	}

	d.emitter.EmitToRoom(transport.StreamRoom(streamID), EventCleared, map[string]any{
		"streamId":  streamID,
		"clearedBy": actor.Username,
	})
	d.success(actor, fmt.Sprintf("Chat cleared (%d messages)", cleared))
}

func (d *Dispatcher) handlePin(actor Actor, streamID string, args []string) {
	if !d.canModerate(streamID, actor) {
		d.error(actor, "You do not have permission to use this command")
		return
	}
	if len(args) < 1 {
		d.usage(actor, "Usage: /pin <message>")
		return
	}

	pinned := PinnedMessage{
		Message:  strings.Join(args, " "),
		PinnedBy: actor.Username,
		PinnedAt: d.now(),
	}
	raw, err := marshalPinned(pinned)
	if err != nil {
		d.error(actor, "Failed to execute command")
		return
	}
	d.presence.SetSideChannelData(streamID, raw)

	d.emitter.EmitToRoom(transport.StreamRoom(streamID), EventPinned, pinned)
	d.success(actor, "Message pinned")
}

func (d *Dispatcher) handleUnpin(actor Actor, streamID string) {
	if !d.canModerate(streamID, actor) {
		d.error(actor, "You do not have permission to use this command")
		return
	}

	d.presence.SetSideChannelData(streamID, nil)
	d.emitter.EmitToRoom(transport.StreamRoom(streamID), EventUnpinned, map[string]any{
		"streamId": streamID,
	})
	d.success(actor, "Pinned message removed")
}

func (d *Dispatcher) handleMod(ctx context.Context, actor Actor, streamID string, args []string) {
	if !d.canGrant(streamID, actor) {
		d.error(actor, "Only the streamer can manage moderators")
		return
	}
	if len(args) < 1 {
		d.usage(actor, "Usage: /mod <username>")
		return
	}

	target, ok := d.resolveTarget(ctx, actor, streamID, args[0])
	if !ok {
		return
	}
	if d.presence.IsModerator(streamID, target.ID) {
		d.error(actor, fmt.Sprintf("%s is already a moderator", target.Username))
		return
	}

	// The grant row is written before the in-memory set changes; a failed
	// write must not leave a phantom moderator.
	grant := &models.StreamModerator{
		StreamID:    streamID,
		UserID:      target.ID,
		GrantedByID: actor.UserID,
	}
	if err := d.moderation.AddModerator(ctx, grant); err != nil {
		d.logger.Error("mod: persisting grant failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		d.error(actor, "Failed to execute command")
		return
	}
	d.presence.AddModerator(streamID, target.ID)

	d.emitter.EmitToRoom(transport.UserRoom(target.ID), EventYouModerated, YouModerated{
		StreamID: streamID,
		Action:   "mod",
	})
	d.success(actor, fmt.Sprintf("%s is now a moderator", target.Username))
}

func (d *Dispatcher) handleUnmod(ctx context.Context, actor Actor, streamID string, args []string) {
	if !d.canGrant(streamID, actor) {
		d.error(actor, "Only the streamer can manage moderators")
		return
	}
	if len(args) < 1 {
		d.usage(actor, "Usage: /unmod <username>")
		return
	}

	target, ok := d.resolveTarget(ctx, actor, streamID, args[0])
	if !ok {
		return
	}

	if err := d.moderation.RemoveModerator(ctx, streamID, target.ID); err != nil {
		d.logger.Error("unmod: removing grant failed",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		d.error(actor, "Failed to execute command")
		return
	}
	d.presence.RemoveModerator(streamID, target.ID)

	d.emitter.EmitToRoom(transport.UserRoom(target.ID), EventYouModerated, YouModerated{
		StreamID: streamID,
		Action:   "unmod",
	})
	d.success(actor, fmt.Sprintf("%s is no longer a moderator", target.Username))
}

// broadcastModeration fans a sanction out room-wide and to the sanctioned
// user's personal room.
func (d *Dispatcher) broadcastModeration(streamID string, actor Actor, target *models.User, record *models.ModerationRecord) {
	d.emitter.EmitToRoom(transport.StreamRoom(streamID), EventUserModerated, UserModerated{
		UserID:      target.ID,
		Username:    target.Username,
		Action:      record.Action,
		ModeratorID: actor.UserID,
		Reason:      record.Reason,
		Duration:    record.Duration,
		Timestamp:   d.now(),
	})
	d.emitter.EmitToRoom(transport.UserRoom(target.ID), EventYouModerated, YouModerated{
		StreamID:  streamID,
		Action:    record.Action,
		Reason:    record.Reason,
		Duration:  record.Duration,
		ExpiresAt: record.ExpiresAt,
	})
}
