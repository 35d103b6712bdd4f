package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sufyansidqy/dms/internal/archive"
	"github.com/sufyansidqy/dms/internal/blob"
	"github.com/sufyansidqy/dms/internal/diff"
	"github.com/sufyansidqy/dms/internal/extract"
	"github.com/sufyansidqy/dms/internal/paragraph"
	"github.com/sufyansidqy/dms/internal/rbac"
	"github.com/sufyansidqy/dms/internal/store"
	"github.com/sufyansidqy/dms/internal/util"
	"github.com/sufyansidqy/dms/internal/workflow"
	"go.uber.org/zap"
)

const (
	defaultCategory    = "General"
	initialTextLog     = "Initial version"
	initialUploadLog   = "Initial upload"
	mimeDocx           = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeDoc            = "application/msword"
	defaultUploadExt   = ".docx"
	filesRoutePrefix   = "/api/files/"
	versionConflictMsg = "Another version was created at the same time, please retry"
)

// Upload is a received file.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

type DocumentInput struct {
	Title       string  `json:"title"`
	Category    string  `json:"category"`
	Description *string `json:"description"`
	Content     string  `json:"content"`
}

func (in DocumentInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Category, validation.Required, validation.Length(1, 80)),
	)
}

type VersionInput struct {
	Content   string `json:"content"`
	ChangeLog string `json:"changeLog"`
}

// DocumentView is a document with its current version and the workflow
// triggers the caller may fire.
type DocumentView struct {
	store.Document
	CurrentVersion *store.DocVersion  `json:"currentVersion"`
	Actions        []workflow.Trigger `json:"actions"`
}

// VersionView is a version with its derived paragraph indices.
type VersionView struct {
	store.DocVersion
	DocumentTitle string                `json:"documentTitle"`
	Paragraphs    []paragraph.Paragraph `json:"paragraphs"`
}

type DiffView struct {
	From   int          `json:"from"`
	To     int          `json:"to"`
	Result diff.Result  `json:"diff"`
	Stats  diff.Summary `json:"stats"`
}

// versionSource is what a new version is built from.
type versionSource struct {
	text      string
	html      *string
	upload    *Upload
	changeLog string
}

func (s *Service) ListDocuments(ctx context.Context, actor rbac.Actor, projectID string) ([]store.Document, error) {
	if !actor.Authenticated() {
		return nil, unauthorized()
	}
	if _, err := s.loadProject(ctx, projectID); err != nil {
		return nil, err
	}
	if _, err := s.requireView(ctx, actor, projectID); err != nil {
		return nil, err
	}
	return s.store.ListDocuments(ctx, projectID)
}

func (s *Service) GetDocument(ctx context.Context, actor rbac.Actor, documentID string) (DocumentView, error) {
	if !actor.Authenticated() {
		return DocumentView{}, unauthorized()
	}
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	access, err := s.requireView(ctx, actor, doc.ProjectID)
	if err != nil {
		return DocumentView{}, err
	}
	return s.documentView(ctx, doc, access)
}

func (s *Service) documentView(ctx context.Context, doc store.Document, access rbac.Access) (DocumentView, error) {
	view := DocumentView{Document: doc, Actions: []workflow.Trigger{}}
	if doc.CurrentVersionID != nil {
		current, err := s.store.GetVersion(ctx, *doc.CurrentVersionID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return DocumentView{}, err
		}
		if err == nil {
			view.CurrentVersion = &current
		}
	}
	rejected, err := s.currentVersionRejected(ctx, doc)
	if err != nil {
		return DocumentView{}, err
	}
	for _, trigger := range workflow.Triggers(workflow.Status(doc.Status)) {
		_, err := s.policy.Evaluate(workflow.Request{
			From:                   workflow.Status(doc.Status),
			Trigger:                trigger,
			Access:                 access,
			CurrentVersionRejected: rejected,
		})
		if err == nil {
			view.Actions = append(view.Actions, trigger)
		}
	}
	return view, nil
}

// CreateDocument creates a Draft document. Non-blank Content becomes v1.
func (s *Service) CreateDocument(ctx context.Context, actor rbac.Actor, projectID string, in DocumentInput) (DocumentView, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Category = strings.TrimSpace(in.Category)
	if in.Category == "" {
		in.Category = defaultCategory
	}
	access, err := s.authorProject(ctx, actor, projectID)
	if err != nil {
		return DocumentView{}, err
	}
	if err := in.Validate(); err != nil {
		return DocumentView{}, invalidInput(err)
	}

	doc, err := s.insertDocument(ctx, actor, projectID, in)
	if err != nil {
		return DocumentView{}, err
	}
	if strings.TrimSpace(in.Content) != "" {
		if _, err := s.createVersion(ctx, actor, doc, versionSource{text: in.Content, changeLog: initialTextLog}); err != nil {
			return DocumentView{}, s.discardDocument(ctx, doc, err)
		}
		if doc, err = s.loadDocument(ctx, doc.ID); err != nil {
			return DocumentView{}, err
		}
	}
	return s.documentView(ctx, doc, access)
}

// CreateDocumentFromUpload extracts the upload before anything is written, so
// a failed extraction leaves no document behind.
func (s *Service) CreateDocumentFromUpload(ctx context.Context, actor rbac.Actor, projectID string, in DocumentInput, upload Upload) (DocumentView, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Category = strings.TrimSpace(in.Category)
	if in.Title == "" {
		in.Title = strings.TrimSuffix(filepath.Base(upload.FileName), filepath.Ext(upload.FileName))
	}
	if in.Category == "" {
		in.Category = defaultCategory
	}
	access, err := s.authorProject(ctx, actor, projectID)
	if err != nil {
		return DocumentView{}, err
	}
	if err := in.Validate(); err != nil {
		return DocumentView{}, invalidInput(err)
	}
	source, err := s.extractUpload(ctx, upload, initialUploadLog)
	if err != nil {
		return DocumentView{}, err
	}

	doc, err := s.insertDocument(ctx, actor, projectID, in)
	if err != nil {
		return DocumentView{}, err
	}
	if _, err := s.createVersion(ctx, actor, doc, source); err != nil {
		return DocumentView{}, s.discardDocument(ctx, doc, err)
	}
	if doc, err = s.loadDocument(ctx, doc.ID); err != nil {
		return DocumentView{}, err
	}
	return s.documentView(ctx, doc, access)
}

func (s *Service) authorProject(ctx context.Context, actor rbac.Actor, projectID string) (rbac.Access, error) {
	if !actor.Authenticated() {
		return rbac.Access{}, unauthorized()
	}
	if _, err := s.loadProject(ctx, projectID); err != nil {
		return rbac.Access{}, err
	}
	access, err := s.projectAccess(ctx, actor, projectID)
	if err != nil {
		return access, err
	}
	if !access.CanAuthor() {
		return access, forbidden("Creator role required")
	}
	return access, nil
}

func (s *Service) insertDocument(ctx context.Context, actor rbac.Actor, projectID string, in DocumentInput) (store.Document, error) {
	now := s.now().UTC()
	doc := store.Document{
		ID:          util.NewID("doc"),
		ProjectID:   projectID,
		Title:       in.Title,
		Category:    in.Category,
		Description: trimmedOrNil(in.Description),
		Status:      string(workflow.StatusDraft),
		CreatedByID: actor.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}
	s.indexDocument(doc)
	return doc, nil
}

// discardDocument removes a document whose first version could not be
// created and returns cause. Cleanup outlives a cancelled request.
func (s *Service) discardDocument(ctx context.Context, doc store.Document, cause error) error {
	if err := s.store.DeleteDocument(context.WithoutCancel(ctx), doc.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.logger.Error("discard document", zap.String("document_id", doc.ID), zap.NamedError("cause", cause), zap.Error(err))
		return cause
	}
	s.search.DeleteDocuments([]string{doc.ID})
	return cause
}

// CreateVersion appends a text version.
func (s *Service) CreateVersion(ctx context.Context, actor rbac.Actor, documentID string, in VersionInput) (store.DocVersion, error) {
	if !actor.Authenticated() {
		return store.DocVersion{}, unauthorized()
	}
	if strings.TrimSpace(in.Content) == "" {
		return store.DocVersion{}, validationError("Invalid input", map[string]string{"content": "cannot be blank"})
	}
	doc, err := s.authorDocument(ctx, actor, documentID)
	if err != nil {
		return store.DocVersion{}, err
	}
	return s.createVersion(ctx, actor, doc, versionSource{text: in.Content, changeLog: strings.TrimSpace(in.ChangeLog)})
}

// UploadVersion appends a version extracted from a Word upload.
func (s *Service) UploadVersion(ctx context.Context, actor rbac.Actor, documentID string, upload Upload, changeLog string) (store.DocVersion, error) {
	if !actor.Authenticated() {
		return store.DocVersion{}, unauthorized()
	}
	doc, err := s.authorDocument(ctx, actor, documentID)
	if err != nil {
		return store.DocVersion{}, err
	}
	source, err := s.extractUpload(ctx, upload, strings.TrimSpace(changeLog))
	if err != nil {
		return store.DocVersion{}, err
	}
	return s.createVersion(ctx, actor, doc, source)
}

func (s *Service) authorDocument(ctx context.Context, actor rbac.Actor, documentID string) (store.Document, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	access, err := s.projectAccess(ctx, actor, doc.ProjectID)
	if err != nil {
		return store.Document{}, err
	}
	if !access.CanAuthor() {
		return store.Document{}, forbidden("Creator role required")
	}
	if workflow.Status(doc.Status) == workflow.StatusReleased {
		return store.Document{}, invalidTransition("Released documents cannot receive new versions", map[string]string{"status": doc.Status})
	}
	return doc, nil
}

func (s *Service) validateUpload(upload Upload) error {
	if len(upload.Data) == 0 {
		return validationError("Invalid input", map[string]string{"file": "is required"})
	}
	if int64(len(upload.Data)) > s.uploadMaxBytes {
		return validationError("Invalid input", map[string]string{"file": fmt.Sprintf("must not exceed %d bytes", s.uploadMaxBytes)})
	}
	ext := strings.ToLower(filepath.Ext(upload.FileName))
	contentType := strings.ToLower(strings.TrimSpace(strings.Split(upload.ContentType, ";")[0]))
	if ext == ".docx" || ext == ".doc" || contentType == mimeDocx || contentType == mimeDoc {
		return nil
	}
	return validationError("Invalid input", map[string]string{"file": "only Word documents (.docx, .doc) are supported"})
}

func (s *Service) extractUpload(ctx context.Context, upload Upload, changeLog string) (versionSource, error) {
	if err := s.validateUpload(upload); err != nil {
		return versionSource{}, err
	}
	content, err := s.extractor.Extract(ctx, upload.Data)
	if err != nil {
		s.logger.Warn("document extraction failed", zap.String("file_name", upload.FileName), zap.Error(err))
		if errors.Is(err, extract.ErrExtractionFailed) {
			return versionSource{}, extractionFailed("Could not extract text from the uploaded document")
		}
		return versionSource{}, err
	}
	html := content.HTML
	return versionSource{text: content.Text, html: &html, upload: &upload, changeLog: changeLog}, nil
}

// createVersion allocates the next number inside one store transaction and
// retries once when a concurrent writer took the same number.
func (s *Service) createVersion(ctx context.Context, actor rbac.Actor, doc store.Document, source versionSource) (store.DocVersion, error) {
	build := func(locked store.Document, number int) (store.DocVersion, error) {
		version := store.DocVersion{
			ID:          util.NewID("ver"),
			TextContent: source.text,
			HTMLContent: source.html,
			ChangeLog:   source.changeLog,
			CreatedByID: actor.UserID,
			CreatedAt:   s.now().UTC(),
		}
		if version.ChangeLog == "" {
			version.ChangeLog = fmt.Sprintf("Version %d", number)
		}

		if source.upload == nil {
			name := fmt.Sprintf("%s_%s-v%d.txt", locked.ID, slug(locked.Title), number)
			version.FileName = &name
			return version, nil
		}

		name := fmt.Sprintf("%s_v%d%s", locked.ID, number, uploadExt(source.upload.FileName))
		contentType := blob.ContentTypeFor(name)
		data := source.upload.Data
		obj, err := s.blobs.Save(ctx, name, bytes.NewReader(data), int64(len(data)), contentType)
		if err != nil {
			return store.DocVersion{}, fmt.Errorf("store upload: %w", err)
		}
		path := filesRoutePrefix + obj.Name
		size := int64(len(data))
		version.FileName = &obj.Name
		version.FilePath = &path
		version.FileMimeType = &contentType
		version.FileSize = &size
		return version, nil
	}

	var (
		version store.DocVersion
		err     error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		version, err = s.store.CreateVersion(ctx, doc.ID, build)
		if !errors.Is(err, store.ErrVersionConflict) {
			break
		}
		s.logger.Warn("version number conflict", zap.String("document_id", doc.ID), zap.Int("attempt", attempt))
	}
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return store.DocVersion{}, conflict(versionConflictMsg)
	case errors.Is(err, sql.ErrNoRows):
		return store.DocVersion{}, notFound("Document not found")
	case err != nil:
		return store.DocVersion{}, err
	}

	s.logger.Info("version created",
		zap.String("document_id", doc.ID),
		zap.Int("version", version.VersionNumber),
		zap.String("user_id", actor.UserID),
	)
	s.archiveVersion(doc, version, actor)
	doc.UpdatedAt = version.CreatedAt
	s.indexDocument(doc)
	return version, nil
}

func (s *Service) archiveVersion(doc store.Document, version store.DocVersion, actor rbac.Actor) {
	if s.archive == nil {
		return
	}
	snapshot := archive.Snapshot{
		Number:    version.VersionNumber,
		Text:      version.TextContent,
		ChangeLog: version.ChangeLog,
		Author:    actor.Name,
		When:      version.CreatedAt,
	}
	if version.HTMLContent != nil {
		snapshot.HTML = *version.HTMLContent
	}
	if snapshot.Author == "" {
		snapshot.Author = actor.UserID
	}
	if _, err := s.archive.Record(doc.ID, snapshot); err != nil {
		s.logger.Warn("archive version", zap.String("document_id", doc.ID), zap.Int("version", version.VersionNumber), zap.Error(err))
	}
}

func (s *Service) ListVersions(ctx context.Context, actor rbac.Actor, documentID string) ([]store.DocVersion, error) {
	if !actor.Authenticated() {
		return nil, unauthorized()
	}
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireView(ctx, actor, doc.ProjectID); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, doc.ID)
}

func (s *Service) GetVersion(ctx context.Context, actor rbac.Actor, versionID string) (VersionView, error) {
	version, doc, err := s.loadVersion(ctx, actor, versionID)
	if err != nil {
		return VersionView{}, err
	}
	paragraphs, err := versionParagraphs(version)
	if err != nil {
		return VersionView{}, err
	}
	return VersionView{DocVersion: version, DocumentTitle: doc.Title, Paragraphs: paragraphs}, nil
}

// Diff compares two versions by number. A zero to selects the latest version
// and a zero from its predecessor; before version 2 the base is empty.
func (s *Service) Diff(ctx context.Context, actor rbac.Actor, documentID string, from, to int) (DiffView, error) {
	versions, err := s.ListVersions(ctx, actor, documentID)
	if err != nil {
		return DiffView{}, err
	}
	if len(versions) == 0 {
		return DiffView{}, notFound("Document has no versions")
	}
	if from < 0 || to < 0 {
		return DiffView{}, validationError("Version numbers must be positive", nil)
	}

	byNumber := make(map[int]store.DocVersion, len(versions))
	for _, v := range versions {
		byNumber[v.VersionNumber] = v
	}
	if to == 0 {
		to = versions[len(versions)-1].VersionNumber
	}
	if from == 0 {
		from = to - 1
	}
	target, ok := byNumber[to]
	if !ok {
		return DiffView{}, notFound(fmt.Sprintf("Version %d not found", to))
	}

	var oldLines []string
	if from > 0 {
		base, ok := byNumber[from]
		if !ok {
			return DiffView{}, notFound(fmt.Sprintf("Version %d not found", from))
		}
		oldLines = strings.Split(base.TextContent, "\n")
	}
	result := diff.Lines(oldLines, strings.Split(target.TextContent, "\n"))
	return DiffView{From: from, To: to, Result: result, Stats: diff.Stats(result)}, nil
}

// FileInfo describes a downloadable version file.
type FileInfo struct {
	Name        string
	ContentType string
	Size        int64
}

// OpenFile returns a version's original upload, or its text for text
// versions. Access follows the owning document's project.
func (s *Service) OpenFile(ctx context.Context, actor rbac.Actor, requested string) (io.ReadCloser, FileInfo, error) {
	if !actor.Authenticated() {
		return nil, FileInfo{}, unauthorized()
	}
	name, err := blob.SafeName(requested)
	if err != nil {
		return nil, FileInfo{}, validationError("Invalid file name", nil)
	}
	version, err := s.store.GetVersionByFileName(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, FileInfo{}, notFound("File not found")
	}
	if err != nil {
		return nil, FileInfo{}, err
	}
	doc, err := s.loadDocument(ctx, version.DocID)
	if err != nil {
		return nil, FileInfo{}, err
	}
	if _, err := s.requireView(ctx, actor, doc.ProjectID); err != nil {
		return nil, FileInfo{}, err
	}

	if version.FilePath == nil {
		data := []byte(version.TextContent)
		return io.NopCloser(bytes.NewReader(data)), FileInfo{Name: name, ContentType: blob.ContentTypeFor(name), Size: int64(len(data))}, nil
	}
	rc, obj, err := s.blobs.Open(ctx, name)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, FileInfo{}, notFound("File not found")
	}
	if err != nil {
		return nil, FileInfo{}, err
	}
	return rc, FileInfo{Name: name, ContentType: blob.ContentTypeFor(name), Size: obj.Size}, nil
}

func versionParagraphs(version store.DocVersion) ([]paragraph.Paragraph, error) {
	html := ""
	if version.HTMLContent != nil {
		html = *version.HTMLContent
	}
	paragraphs, err := paragraph.ForVersion(html, version.TextContent)
	if err != nil {
		return nil, fmt.Errorf("derive paragraphs: %w", err)
	}
	if paragraphs == nil {
		paragraphs = []paragraph.Paragraph{}
	}
	return paragraphs, nil
}

func uploadExt(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == ".docx" || ext == ".doc" {
		return ext
	}
	return defaultUploadExt
}

// slug lowercases title and joins its ASCII alphanumeric runs with hyphens.
func slug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
			continue
		}
		dash = true
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
