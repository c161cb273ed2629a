package services

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/weAIDB/CrackSQL/internal/errors"
	"github.com/weAIDB/CrackSQL/internal/knowledge"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	itemIDs []uint
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, kbID, itemID uint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.itemIDs = append(d.itemIDs, itemID)
	return nil
}

func newIngestService(t *testing.T, maxFileSize int64) (*IngestService, sqlmock.Sqlmock, *recordingDispatcher) {
	t.Helper()

	db, mock := newMockDB(t)
	dispatcher := &recordingDispatcher{}
	svc := NewIngestService(
		db,
		NewStatusCache(nil, db, 60),
		dispatcher,
		nil,
		knowledge.NewNormalSplitter(1000, nil),
		&knowledge.NoopSplitGateway{},
		15,
		maxFileSize,
	)
	return svc, mock, dispatcher
}

func validUpload(name string) UploadFile {
	return UploadFile{
		Name:    name,
		Content: []byte(`[{"keyword":"UPPER","type":"function","tree":"(func)","description":"to uppercase","detail":"Converts a string to uppercase."}]`),
	}
}

func TestIngestService_SelectFiles_TooManyFiles(t *testing.T) {
	svc, mock, _ := newIngestService(t, 0)

	files := make([]UploadFile, 16)
	for i := range files {
		files[i] = validUpload("f.json")
	}

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())

	_, err := svc.SelectFiles(context.Background(), 1, files)
	require.Error(t, err)

	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeTooManyFiles, appErr.Code)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPCode)
}

func TestIngestService_SelectFiles_PerFileIsolation(t *testing.T) {
	svc, mock, _ := newIngestService(t, 64)

	files := []UploadFile{
		validUpload("good.json"),
		{Name: "notes.txt", Content: []byte("plain text")},
		{Name: "huge.json", Content: []byte(`[{"keyword":"X","detail":"` + strings.Repeat("a", 100) + `"}]`)},
		{Name: "broken.json", Content: []byte(`{"not":"an array"`)},
	}

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())

	result, err := svc.SelectFiles(context.Background(), 1, files)
	require.NoError(t, err)
	require.Len(t, result.Files, 4)
	assert.NotEmpty(t, result.UploadID)

	// 合格文件不受同批次失败文件影响
	assert.True(t, result.Files[0].Accepted)
	require.Len(t, result.Files[0].Candidates, 1)
	assert.Equal(t, "UPPER", result.Files[0].Candidates[0].Keyword)
	assert.Equal(t, "good.json", result.Files[0].Candidates[0].SourceFile)
	assert.Equal(t, 0, result.Files[0].Candidates[0].SplitIndex)

	assert.False(t, result.Files[1].Accepted)
	assert.Equal(t, string(apperrors.ErrCodeUnsupportedType), result.Files[1].ErrorCode)

	assert.False(t, result.Files[2].Accepted)
	assert.Equal(t, string(apperrors.ErrCodeFileTooLarge), result.Files[2].ErrorCode)

	assert.False(t, result.Files[3].Accepted)
	assert.Equal(t, string(apperrors.ErrCodeUnsupportedType), result.Files[3].ErrorCode)
}

func TestIngestService_SelectFiles_MalformedJSONRejected(t *testing.T) {
	svc, mock, _ := newIngestService(t, 0)

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())

	result, err := svc.SelectFiles(context.Background(), 1, []UploadFile{
		validUpload("good.json"),
		{Name: "broken.json", Content: []byte(`{"keyword": "UPPER"}`)},
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 2)

	assert.True(t, result.Files[0].Accepted)
	require.Len(t, result.Files[0].Candidates, 1)

	// 不是记录数组的JSON按不支持的类型拒绝，不影响同批次文件
	assert.False(t, result.Files[1].Accepted)
	assert.Equal(t, string(apperrors.ErrCodeUnsupportedType), result.Files[1].ErrorCode)
}

func TestIngestService_SelectFiles_EmptyRecordsRejected(t *testing.T) {
	svc, mock, _ := newIngestService(t, 0)

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())

	result, err := svc.SelectFiles(context.Background(), 1, []UploadFile{
		{Name: "empty.json", Content: []byte(`[]`)},
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.False(t, result.Files[0].Accepted)
	assert.Equal(t, string(apperrors.ErrCodeUnsupportedType), result.Files[0].ErrorCode)
}

func TestIngestService_SelectFiles_KnowledgeBaseMissing(t *testing.T) {
	svc, mock, _ := newIngestService(t, 0)

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).
		WillReturnRows(sqlmock.NewRows([]string{"knowledge_base_id"}))

	_, err := svc.SelectFiles(context.Background(), 42, []UploadFile{validUpload("a.json")})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeResourceNotFound, apperrors.GetAppError(err).Code)
}

func TestIngestService_Split_UnknownMethod(t *testing.T) {
	svc, mock, _ := newIngestService(t, 0)

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())

	_, err := svc.Split(context.Background(), 1, "semantic", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetAppError(err).Code)
}

func TestIngestService_Split_AIWithoutGateway(t *testing.T) {
	svc, mock, _ := newIngestService(t, 0)

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())

	// NoopSplitGateway未就绪，AI切分整体拒绝
	_, err := svc.Split(context.Background(), 1, knowledge.SplitMethodAI, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeExternalService, apperrors.GetAppError(err).Code)
}

func TestIngestService_Split_RejectedFilesPassThrough(t *testing.T) {
	svc, mock, _ := newIngestService(t, 0)

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())

	input := []FileResult{
		{
			FileName: "good.json",
			Accepted: true,
			Candidates: []knowledge.Candidate{
				{RawRecord: knowledge.RawRecord{Keyword: "UPPER", Detail: "short detail"}},
			},
		},
		{
			FileName:  "bad.txt",
			ErrorCode: string(apperrors.ErrCodeUnsupportedType),
		},
	}

	result, err := svc.Split(context.Background(), 1, knowledge.SplitMethodNormal, input)
	require.NoError(t, err)
	require.Len(t, result.Files, 2)

	assert.True(t, result.Files[0].Accepted)
	require.Len(t, result.Files[0].Candidates, 1)
	assert.Equal(t, "good.json", result.Files[0].Candidates[0].SourceFile)

	// 已拒绝文件原样带回
	assert.False(t, result.Files[1].Accepted)
	assert.Equal(t, string(apperrors.ErrCodeUnsupportedType), result.Files[1].ErrorCode)
}

func TestIngestService_Enqueue(t *testing.T) {
	svc, mock, dispatcher := newIngestService(t, 0)

	candidates := []knowledge.Candidate{
		{
			RawRecord: knowledge.RawRecord{
				Keyword:     "UPPER",
				Type:        "function",
				SyntaxTree:  "(func)",
				Description: "to uppercase",
				Detail:      "Converts a string to uppercase.",
			},
			SourceFile: "funcs.json",
		},
		{
			RawRecord: knowledge.RawRecord{
				Keyword:     "LOWER",
				Type:        "function",
				SyntaxTree:  "(func)",
				Description: "to lowercase",
				Detail:      "Converts a string to lowercase.",
			},
			SourceFile: "funcs.json",
			SplitIndex: 1,
		},
	}

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())
	mock.ExpectBegin()
	// 事务内复查知识库未进入删除
	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())
	mock.ExpectQuery(`INSERT INTO "knowledge_items"`).
		WillReturnRows(sqlmock.NewRows([]string{"item_id"}).AddRow(11).AddRow(12))
	mock.ExpectCommit()

	items, err := svc.Enqueue(context.Background(), 1, candidates)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "pending", items[0].Status)
	assert.NotEmpty(t, items[0].ContentHash)
	assert.Empty(t, items[0].VectorID)

	assert.ElementsMatch(t, []uint{11, 12}, dispatcher.itemIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestService_Enqueue_ValidationFailsWholeBatch(t *testing.T) {
	svc, mock, dispatcher := newIngestService(t, 0)

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())

	candidates := []knowledge.Candidate{
		{RawRecord: knowledge.RawRecord{Keyword: "UPPER", Type: "function", SyntaxTree: "(func)", Description: "d", Detail: "x"}},
		{RawRecord: knowledge.RawRecord{Type: "function", SyntaxTree: "(func)", Description: "d", Detail: "x"}},
	}

	_, err := svc.Enqueue(context.Background(), 1, candidates)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetAppError(err).Code)
	assert.Empty(t, dispatcher.itemIDs)
}

func TestIngestService_Enqueue_DeletingRace(t *testing.T) {
	svc, mock, dispatcher := newIngestService(t, 0)

	candidates := []knowledge.Candidate{
		{RawRecord: knowledge.RawRecord{Keyword: "UPPER", Type: "function", SyntaxTree: "(func)", Description: "d", Detail: "x"}},
	}

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())
	mock.ExpectBegin()
	// 复查发现知识库已进入删除，整批回滚
	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).
		WillReturnRows(sqlmock.NewRows([]string{"knowledge_base_id"}))
	mock.ExpectRollback()

	_, err := svc.Enqueue(context.Background(), 1, candidates)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeResourceNotFound, apperrors.GetAppError(err).Code)
	assert.Empty(t, dispatcher.itemIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
