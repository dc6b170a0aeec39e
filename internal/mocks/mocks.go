package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"safeyou-chat/internal/media"
	"safeyou-chat/internal/models"
	"safeyou-chat/internal/services"
)

type MessageStoreMock struct {
	mock.Mock
}

func (m *MessageStoreMock) Send(ctx context.Context, authorID string, scope models.Scope, body models.Body, replyToID string) (models.Message, error) {
	args := m.Called(ctx, authorID, scope, body, replyToID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageStoreMock) React(ctx context.Context, messageID, userID, emoji, commandID string) (models.Message, error) {
	args := m.Called(ctx, messageID, userID, emoji, commandID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageStoreMock) MarkRead(ctx context.Context, messageID, userID string) error {
	args := m.Called(ctx, messageID, userID)
	return args.Error(0)
}

func (m *MessageStoreMock) Delete(ctx context.Context, messageID, requesterID string) error {
	args := m.Called(ctx, messageID, requesterID)
	return args.Error(0)
}

func (m *MessageStoreMock) Purge(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *MessageStoreMock) List(ctx context.Context, viewerID string, q services.ListQuery) (services.MessagePage, error) {
	args := m.Called(ctx, viewerID, q)
	var page services.MessagePage
	if val := args.Get(0); val != nil {
		page = val.(services.MessagePage)
	}
	return page, args.Error(1)
}

type ModeratorMock struct {
	mock.Mock
}

func (m *ModeratorMock) Report(ctx context.Context, reporterID, messageID string) (models.User, error) {
	args := m.Called(ctx, reporterID, messageID)
	var u models.User
	if val := args.Get(0); val != nil {
		u = val.(models.User)
	}
	return u, args.Error(1)
}

func (m *ModeratorMock) IsSuspended(ctx context.Context, userID string, now time.Time) (bool, error) {
	args := m.Called(ctx, userID, now)
	return args.Bool(0), args.Error(1)
}

type DirectoryMock struct {
	mock.Mock
}

func (m *DirectoryMock) user(args mock.Arguments) (models.User, error) {
	var u models.User
	if val := args.Get(0); val != nil {
		u = val.(models.User)
	}
	return u, args.Error(1)
}

func (m *DirectoryMock) Register(ctx context.Context, username, password string) (models.User, error) {
	return m.user(m.Called(ctx, username, password))
}

func (m *DirectoryMock) Authenticate(ctx context.Context, username, password string) (models.User, error) {
	return m.user(m.Called(ctx, username, password))
}

func (m *DirectoryMock) Get(ctx context.Context, id string) (models.User, error) {
	return m.user(m.Called(ctx, id))
}

func (m *DirectoryMock) List(ctx context.Context) ([]models.User, error) {
	args := m.Called(ctx)
	var list []models.User
	if val := args.Get(0); val != nil {
		list = val.([]models.User)
	}
	return list, args.Error(1)
}

type PresenceTrackerMock struct {
	mock.Mock
}

func (m *PresenceTrackerMock) user(args mock.Arguments) (models.User, error) {
	var u models.User
	if val := args.Get(0); val != nil {
		u = val.(models.User)
	}
	return u, args.Error(1)
}

func (m *PresenceTrackerMock) SetOnline(ctx context.Context, userID string) (models.User, error) {
	return m.user(m.Called(ctx, userID))
}

func (m *PresenceTrackerMock) SetOffline(ctx context.Context, userID string) (models.User, error) {
	return m.user(m.Called(ctx, userID))
}

func (m *PresenceTrackerMock) Heartbeat(ctx context.Context, userID string) (models.User, error) {
	return m.user(m.Called(ctx, userID))
}

type UploadSignerMock struct {
	mock.Mock
}

func (m *UploadSignerMock) PresignUpload(ctx context.Context, userID string, kind models.MediaKind, contentType string) (media.Upload, error) {
	args := m.Called(ctx, userID, kind, contentType)
	var up media.Upload
	if val := args.Get(0); val != nil {
		up = val.(media.Upload)
	}
	return up, args.Error(1)
}

type AuditorMock struct {
	mock.Mock
}

func (m *AuditorMock) Emit(ctx context.Context, action, actorID, text string, attrs map[string]string) {
	m.Called(ctx, action, actorID, text, attrs)
}

type SnapshotterMock struct {
	mock.Mock
}

func (m *SnapshotterMock) Snapshot(ctx context.Context, viewerID string, entity models.Entity) (models.Snapshot, error) {
	args := m.Called(ctx, viewerID, entity)
	var snap models.Snapshot
	if val := args.Get(0); val != nil {
		snap = val.(models.Snapshot)
	}
	return snap, args.Error(1)
}
