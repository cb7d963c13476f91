package app

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cartograph/api/internal/audit"
	"cartograph/api/internal/blob"
	"cartograph/api/internal/config"
	"cartograph/api/internal/ratelimit"
	"cartograph/api/internal/store"
)

// Caller is the resolved identity plus the set of team scopes the caller may
// act within, as attested by the identity gate.
type Caller struct {
	ID     string
	Name   string
	Scopes []string
}

type metadataStore interface {
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string, []string) (store.Document, error)
	ListDocuments(context.Context, []string) ([]store.Document, error)
	UpdateDocumentState(context.Context, string, []string, int64, time.Time) (int64, error)
	UpdateDocumentMetadata(context.Context, string, []string, store.MetadataPatch, time.Time) error
	DeleteDocument(context.Context, string, []string) error
	Ping(context.Context) error
}

type blobStore interface {
	Upload(context.Context, string, []byte) error
	Download(context.Context, string) ([]byte, error)
	Delete(context.Context, string) error
	Ping(context.Context) error
}

type auditSink interface {
	Emit(event string, fields ...zap.Field)
}

type Service struct {
	cfg     config.Config
	store   metadataStore
	blobs   blobStore
	limiter ratelimit.Limiter
	audit   auditSink
	logger  *zap.Logger
	now     func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, blobs *blob.Store, limiter ratelimit.Limiter, sink *audit.Sink, logger *zap.Logger) *Service {
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		blobs:   blobs,
		limiter: limiter,
		audit:   sink,
		logger:  logger,
		now:     time.Now,
	}
}

// Document IDs derive the storage path, so the format is strict enough to
// rule out path traversal before any path is built from one.
var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

var allowedDocumentKinds = map[string]struct{}{
	"canvas":    {},
	"mindmap":   {},
	"roadmap":   {},
	"workboard": {},
}

const defaultDocumentKind = "canvas"

func storagePath(documentID string) string {
	return "state/" + documentID + ".bin"
}

const externalCallTimeout = 10 * time.Second

// checkIdentity runs the two structural preconditions shared by every
// operation: ID format, then the cheap caller-scope check.
func checkIdentity(documentID string, caller Caller) error {
	if !documentIDPattern.MatchString(documentID) {
		return errInvalidIdentifier()
	}
	if len(caller.Scopes) == 0 {
		return errNoTeamAccess()
	}
	return nil
}

// admit consults the limiter for one operation class. The limiter's own
// backing store being unreachable fails open: admission control here protects
// cost, not data, and refusing saves during a limiter outage would be the
// worse trade. Each failure is logged.
func (s *Service) admit(ctx context.Context, caller Caller, class string) error {
	decision, err := s.limiter.Allow(ctx, caller.ID, class)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, failing open",
			zap.String("caller_id", caller.ID),
			zap.String("class", class),
			zap.Error(err),
		)
		return nil
	}
	if !decision.Allowed {
		return errRateLimited(decision.ResetAt)
	}
	return nil
}

// LoadState returns the current binary state of a document. A missing blob
// behind an existing metadata row is a valid state (the row can predate the
// first successful write) and yields an empty payload. Pure read: the sync
// version never changes.
func (s *Service) LoadState(ctx context.Context, documentID string, caller Caller) ([]byte, error) {
	if err := checkIdentity(documentID, caller); err != nil {
		return nil, err
	}
	if err := s.admit(ctx, caller, ratelimit.ClassRead); err != nil {
		return nil, err
	}

	doc, err := s.store.GetDocument(ctx, documentID, caller.Scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound()
	}
	if err != nil {
		s.logStorageFault("load", documentID, caller, err)
		return nil, errStorageFault()
	}

	downloadCtx, cancel := context.WithTimeout(ctx, externalCallTimeout)
	defer cancel()
	payload, err := s.blobs.Download(downloadCtx, doc.StoragePath)
	if errors.Is(err, blob.ErrNotFound) {
		return []byte{}, nil
	}
	if err != nil {
		s.logStorageFault("load", documentID, caller, err)
		return nil, errStorageFault()
	}
	return payload, nil
}

type SaveResult struct {
	Size        int64
	SyncVersion int64
}

// SaveState persists a binary state payload. The write order is the
// consistency contract: blob first, then the conditional metadata update, and
// a compensating blob delete when the metadata step fails. The metadata record
// therefore never claims a version or size that is not durably stored; an
// orphaned blob is the accepted cheaper failure mode and is audited for
// out-of-band cleanup.
func (s *Service) SaveState(ctx context.Context, documentID string, caller Caller, payload []byte) (SaveResult, error) {
	if err := checkIdentity(documentID, caller); err != nil {
		return SaveResult{}, err
	}
	if err := s.admit(ctx, caller, ratelimit.ClassWrite); err != nil {
		return SaveResult{}, err
	}
	if len(payload) == 0 {
		// Distinct from a no-op: accepting this would let a client
		// silently wipe a document.
		return SaveResult{}, errEmptyStateRejected()
	}
	if int64(len(payload)) > s.cfg.MaxPayloadBytes {
		return SaveResult{}, errPayloadTooLarge(s.cfg.MaxPayloadBytes)
	}

	doc, err := s.store.GetDocument(ctx, documentID, caller.Scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return SaveResult{}, errNotFound()
	}
	if err != nil {
		s.logStorageFault("save", documentID, caller, err)
		return SaveResult{}, errStorageFault()
	}

	uploadCtx, cancelUpload := context.WithTimeout(ctx, externalCallTimeout)
	defer cancelUpload()
	if err := s.blobs.Upload(uploadCtx, doc.StoragePath, payload); err != nil {
		s.logStorageFault("save", documentID, caller, err)
		return SaveResult{}, errStorageFault()
	}

	// The blob is durable now. Finish the metadata update even if the caller
	// disconnects; abandoning here would leave the blob ahead of the record
	// with no compensation.
	detached, cancelDetached := context.WithTimeout(context.WithoutCancel(ctx), externalCallTimeout)
	defer cancelDetached()

	syncVersion, err := s.store.UpdateDocumentState(detached, documentID, caller.Scopes, int64(len(payload)), s.now())
	if err != nil {
		s.compensateUpload(detached, documentID, doc.StoragePath, caller)
		if errors.Is(err, sql.ErrNoRows) {
			s.audit.Emit(audit.EventMetadataUpdateRaced,
				zap.String("document_id", documentID),
				zap.String("caller_id", caller.ID),
			)
			return SaveResult{}, errMetadataUpdateRaced()
		}
		s.logStorageFault("save", documentID, caller, err)
		return SaveResult{}, errStorageFault()
	}

	if int64(len(payload)) >= s.cfg.AuditLogThresholdBytes {
		s.audit.Emit(audit.EventStateSavedLarge,
			zap.String("document_id", documentID),
			zap.String("caller_id", caller.ID),
			zap.Int("size_bytes", len(payload)),
			zap.Int64("sync_version", syncVersion),
		)
	}

	return SaveResult{Size: int64(len(payload)), SyncVersion: syncVersion}, nil
}

// compensateUpload deletes a just-uploaded blob after a failed metadata
// update, restoring the pre-write state. A failed compensation does not change
// the caller-visible outcome; the orphan is audited instead.
func (s *Service) compensateUpload(ctx context.Context, documentID, path string, caller Caller) {
	if err := s.blobs.Delete(ctx, path); err != nil {
		s.audit.Emit(audit.EventOrphanedBlob,
			zap.String("document_id", documentID),
			zap.String("caller_id", caller.ID),
			zap.String("storage_path", path),
			zap.Error(err),
		)
	}
}

// UpdateMetadata changes the allow-listed non-binary attributes. Unknown
// fields are rejected at the HTTP boundary before this is reached; value
// validation happens here, before any store access.
func (s *Service) UpdateMetadata(ctx context.Context, documentID string, caller Caller, patch store.MetadataPatch) (store.Document, error) {
	if err := checkIdentity(documentID, caller); err != nil {
		return store.Document{}, err
	}
	if patch.Title == nil && patch.DocumentKind == nil {
		return store.Document{}, errValidation("at least one of title, document_kind is required")
	}
	var changed []string
	if patch.Title != nil {
		trimmed := strings.TrimSpace(*patch.Title)
		if trimmed == "" {
			return store.Document{}, errValidation("title must not be blank")
		}
		if len(trimmed) > 512 {
			return store.Document{}, errValidation("title must be at most 512 characters")
		}
		patch.Title = &trimmed
		changed = append(changed, "title")
	}
	if patch.DocumentKind != nil {
		if _, ok := allowedDocumentKinds[*patch.DocumentKind]; !ok {
			return store.Document{}, errValidation("document_kind must be one of canvas, mindmap, roadmap, workboard")
		}
		changed = append(changed, "document_kind")
	}

	err := s.store.UpdateDocumentMetadata(ctx, documentID, caller.Scopes, patch, s.now())
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, errNotFound()
	}
	if err != nil {
		s.logStorageFault("update_metadata", documentID, caller, err)
		return store.Document{}, errStorageFault()
	}

	// Field names only; values may carry sensitive content.
	s.audit.Emit(audit.EventMetadataUpdated,
		zap.String("document_id", documentID),
		zap.String("caller_id", caller.ID),
		zap.Strings("fields", changed),
	)

	doc, err := s.store.GetDocument(ctx, documentID, caller.Scopes)
	if err != nil {
		s.logStorageFault("update_metadata", documentID, caller, err)
		return store.Document{}, errStorageFault()
	}
	return doc, nil
}

// DeleteDocument removes the blob first and the metadata row second. A failed
// blob delete is logged but does not block: an unreachable metadata row is the
// worse leftover, since the row is what makes the document exist at all.
func (s *Service) DeleteDocument(ctx context.Context, documentID string, caller Caller) error {
	if err := checkIdentity(documentID, caller); err != nil {
		return err
	}

	doc, err := s.store.GetDocument(ctx, documentID, caller.Scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound()
	}
	if err != nil {
		s.logStorageFault("delete", documentID, caller, err)
		return errStorageFault()
	}

	// Before mutating anything, so the trail exists even if deletion fails
	// midway.
	s.audit.Emit(audit.EventDeleteAttempted,
		zap.String("document_id", documentID),
		zap.String("caller_id", caller.ID),
	)

	deleteCtx, cancel := context.WithTimeout(ctx, externalCallTimeout)
	defer cancel()
	if err := s.blobs.Delete(deleteCtx, doc.StoragePath); err != nil {
		s.logger.Warn("blob delete failed, continuing with metadata delete",
			zap.String("document_id", documentID),
			zap.String("storage_path", doc.StoragePath),
			zap.Error(err),
		)
	}

	err = s.store.DeleteDocument(ctx, documentID, caller.Scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound()
	}
	if err != nil {
		s.logStorageFault("delete", documentID, caller, err)
		return errStorageFault()
	}

	s.audit.Emit(audit.EventDeleteCompleted,
		zap.String("document_id", documentID),
		zap.String("caller_id", caller.ID),
	)
	return nil
}

// CreateDocument inserts the metadata row a document needs before its first
// state write. The row starts at sync version 0 with no blob behind it.
func (s *Service) CreateDocument(ctx context.Context, caller Caller, title, documentKind, teamScope string) (store.Document, error) {
	if len(caller.Scopes) == 0 {
		return store.Document{}, errNoTeamAccess()
	}
	if !callerHasScope(caller, teamScope) {
		return store.Document{}, domainError(403, "NO_TEAM_ACCESS", "Caller does not belong to the requested team scope", nil)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Document{}, errValidation("title is required")
	}
	if documentKind == "" {
		documentKind = defaultDocumentKind
	}
	if _, ok := allowedDocumentKinds[documentKind]; !ok {
		return store.Document{}, errValidation("document_kind must be one of canvas, mindmap, roadmap, workboard")
	}

	documentID := uuid.NewString()
	doc := store.Document{
		ID:           documentID,
		TeamScope:    teamScope,
		Title:        title,
		DocumentKind: documentKind,
		StoragePath:  storagePath(documentID),
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		s.logStorageFault("create", documentID, caller, err)
		return store.Document{}, errStorageFault()
	}

	created, err := s.store.GetDocument(ctx, documentID, []string{teamScope})
	if err != nil {
		s.logStorageFault("create", documentID, caller, err)
		return store.Document{}, errStorageFault()
	}
	return created, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string, caller Caller) (store.Document, error) {
	if err := checkIdentity(documentID, caller); err != nil {
		return store.Document{}, err
	}
	doc, err := s.store.GetDocument(ctx, documentID, caller.Scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, errNotFound()
	}
	if err != nil {
		s.logStorageFault("get", documentID, caller, err)
		return store.Document{}, errStorageFault()
	}
	return doc, nil
}

func (s *Service) ListDocuments(ctx context.Context, caller Caller) ([]store.Document, error) {
	if len(caller.Scopes) == 0 {
		return nil, errNoTeamAccess()
	}
	items, err := s.store.ListDocuments(ctx, caller.Scopes)
	if err != nil {
		s.logStorageFault("list", "", caller, err)
		return nil, errStorageFault()
	}
	return items, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingBlobs(ctx context.Context) error {
	return s.blobs.Ping(ctx)
}

func (s *Service) MaxPayloadBytes() int64 {
	return s.cfg.MaxPayloadBytes
}

func (s *Service) logStorageFault(operation, documentID string, caller Caller, err error) {
	s.logger.Error("storage fault",
		zap.String("operation", operation),
		zap.String("document_id", documentID),
		zap.String("caller_id", caller.ID),
		zap.Error(err),
	)
}

func callerHasScope(caller Caller, scope string) bool {
	for _, candidate := range caller.Scopes {
		if candidate == scope {
			return true
		}
	}
	return false
}
