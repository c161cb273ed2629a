package services

import (
	"context"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/weAIDB/CrackSQL/internal/errors"
	"github.com/weAIDB/CrackSQL/internal/knowledge"
)

func newKBService(t *testing.T, store knowledge.VectorStore) (*KnowledgeBaseService, sqlmock.Sqlmock) {
	t.Helper()

	db, mock := newMockDB(t)
	svc := NewKnowledgeBaseService(db, store, &knowledge.NoopKeywordIndexer{}, NewStatusCache(nil, db, 60))
	return svc, mock
}

func TestKnowledgeBaseService_CreateValidation(t *testing.T) {
	svc, _ := newKBService(t, knowledge.NewMemoryVectorStore())

	// 名称过短
	_, err := svc.Create(context.Background(), CreateKnowledgeBaseRequest{Name: "x", EmbeddingModelID: 1})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetAppError(err).Code)

	// 缺少嵌入模型
	_, err = svc.Create(context.Background(), CreateKnowledgeBaseRequest{Name: "pg-funcs"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.GetAppError(err).Code)
}

func TestKnowledgeBaseService_CreateNameConflict(t *testing.T) {
	svc, mock := newKBService(t, knowledge.NewMemoryVectorStore())

	mock.ExpectQuery(`SELECT count\(\*\) FROM "knowledge_bases"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, err := svc.Create(context.Background(), CreateKnowledgeBaseRequest{
		Name:             "pg-funcs",
		EmbeddingModelID: 1,
	})
	require.Error(t, err)

	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeConflict, appErr.Code)
	assert.Equal(t, http.StatusConflict, appErr.HTTPCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKnowledgeBaseService_Create(t *testing.T) {
	svc, mock := newKBService(t, knowledge.NewMemoryVectorStore())

	mock.ExpectQuery(`SELECT count\(\*\) FROM "knowledge_bases"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO "knowledge_bases"`).
		WillReturnRows(sqlmock.NewRows([]string{"knowledge_base_id"}).AddRow(5))

	kb, err := svc.Create(context.Background(), CreateKnowledgeBaseRequest{
		Name:             "pg-funcs",
		Description:      "PostgreSQL function reference",
		EmbeddingModelID: 1,
		VectorDimension:  1536,
		DatabaseType:     "postgresql",
	})
	require.NoError(t, err)

	assert.Equal(t, uint(5), kb.KnowledgeBaseID)
	assert.Equal(t, "pg-funcs", kb.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKnowledgeBaseService_GetNotFound(t *testing.T) {
	svc, mock := newKBService(t, knowledge.NewMemoryVectorStore())

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).
		WillReturnRows(sqlmock.NewRows([]string{"knowledge_base_id"}))

	_, err := svc.Get(context.Background(), 99)
	require.Error(t, err)

	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeResourceNotFound, appErr.Code)
	assert.Equal(t, http.StatusNotFound, appErr.HTTPCode)
}

func TestKnowledgeBaseService_UpdateWithoutChanges(t *testing.T) {
	svc, mock := newKBService(t, knowledge.NewMemoryVectorStore())

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())

	// 没有字段变化时直接返回，不产生UPDATE
	kb, err := svc.Update(context.Background(), 1, UpdateKnowledgeBaseRequest{})
	require.NoError(t, err)
	assert.Equal(t, "pg-funcs", kb.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKnowledgeBaseService_DeleteCascades(t *testing.T) {
	store := knowledge.NewMemoryVectorStore()
	ctx := context.Background()

	// 知识库1有在库向量，删除后必须清空
	_, err := store.Insert(ctx, knowledge.VectorEntry{ItemID: 1, KnowledgeBaseID: 1, Embedding: []float32{1, 0}})
	require.NoError(t, err)

	svc, mock := newKBService(t, store)

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())
	// 打删除标记并递增Generation
	mock.ExpectExec(`UPDATE "knowledge_bases"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM "knowledge_items"`).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM "knowledge_bases"`).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.Delete(ctx, 1))
	assert.NoError(t, mock.ExpectationsWereMet())

	matches, err := store.Query(ctx, 1, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestKnowledgeBaseService_DeleteResumesMarkedKB(t *testing.T) {
	svc, mock := newKBService(t, knowledge.NewMemoryVectorStore())

	deletingRows := sqlmock.NewRows([]string{"knowledge_base_id", "name", "generation", "deleting"}).
		AddRow(1, "pg-funcs", 2, true)

	// 已带删除标记的知识库不再重复打标，直接续做清理
	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(deletingRows)
	mock.ExpectExec(`DELETE FROM "knowledge_items"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM "knowledge_bases"`).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.Delete(context.Background(), 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKnowledgeBaseService_DeleteNotFound(t *testing.T) {
	svc, mock := newKBService(t, knowledge.NewMemoryVectorStore())

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).
		WillReturnRows(sqlmock.NewRows([]string{"knowledge_base_id"}))

	err := svc.Delete(context.Background(), 404)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeResourceNotFound, apperrors.GetAppError(err).Code)
}
