package services

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/weAIDB/CrackSQL/internal/errors"
	"github.com/weAIDB/CrackSQL/internal/knowledge"
	"github.com/weAIDB/CrackSQL/internal/models"
)

func newItemService(t *testing.T, store knowledge.VectorStore) (*ItemService, sqlmock.Sqlmock, *recordingDispatcher) {
	t.Helper()

	db, mock := newMockDB(t)
	dispatcher := &recordingDispatcher{}
	svc := NewItemService(db, store, &knowledge.NoopKeywordIndexer{}, NewStatusCache(nil, db, 60), dispatcher)
	return svc, mock, dispatcher
}

func fullItemRows(itemID, kbID uint, keyword, detail, description, status, hash, vectorID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"item_id", "knowledge_base_id", "keyword", "type", "syntax_tree", "link",
		"description", "example", "detail", "status", "content_hash", "vector_id",
	}).AddRow(itemID, kbID, keyword, "function", "(func)", "", description, "", detail, status, hash, vectorID)
}

func TestItemService_RetryItem(t *testing.T) {
	svc, mock, dispatcher := newItemService(t, knowledge.NewMemoryVectorStore())

	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(fullItemRows(7, 1, "UPPER", "detail", "desc", models.ItemStatusFailed, "", ""))
	mock.ExpectExec(`UPDATE "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(fullItemRows(7, 1, "UPPER", "detail", "desc", models.ItemStatusPending, "", ""))

	item, err := svc.RetryItem(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, models.ItemStatusPending, item.Status)
	assert.Empty(t, item.ErrorMessage)
	assert.Equal(t, []uint{7}, dispatcher.itemIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestItemService_RetryItem_NotRetryable(t *testing.T) {
	svc, mock, dispatcher := newItemService(t, knowledge.NewMemoryVectorStore())

	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(fullItemRows(7, 1, "UPPER", "detail", "desc", models.ItemStatusCompleted, "", "vec-1"))

	_, err := svc.RetryItem(context.Background(), 7)
	require.Error(t, err)

	appErr := apperrors.GetAppError(err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, appErr.Code)
	assert.Equal(t, http.StatusConflict, appErr.HTTPCode)
	assert.Empty(t, dispatcher.itemIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestItemService_RetryItem_ConcurrentChange(t *testing.T) {
	svc, mock, dispatcher := newItemService(t, knowledge.NewMemoryVectorStore())

	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(fullItemRows(7, 1, "UPPER", "detail", "desc", models.ItemStatusFailed, "", ""))
	// 条件更新落空：读到失败态之后条目又被并发改动
	mock.ExpectExec(`UPDATE "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := svc.RetryItem(context.Background(), 7)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.GetAppError(err).Code)
	assert.Empty(t, dispatcher.itemIDs)
}

func TestItemService_UpdateItem_MetadataOnly(t *testing.T) {
	store := knowledge.NewMemoryVectorStore()
	ctx := context.Background()

	vectorID, err := store.Insert(ctx, knowledge.VectorEntry{ItemID: 7, KnowledgeBaseID: 1, Embedding: []float32{1, 0}})
	require.NoError(t, err)

	svc, mock, dispatcher := newItemService(t, store)
	hash := knowledge.ContentHash("UPPER", "detail", "desc")

	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(fullItemRows(7, 1, "UPPER", "detail", "desc", models.ItemStatusCompleted, hash, vectorID))
	mock.ExpectExec(`UPDATE "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(fullItemRows(7, 1, "UPPER", "detail", "desc", models.ItemStatusCompleted, hash, vectorID))

	link := "https://docs.example.com/upper"
	item, err := svc.UpdateItem(ctx, 7, UpdateItemRequest{Link: &link})
	require.NoError(t, err)

	// 仅元数据变化不触发重新向量化
	assert.Equal(t, models.ItemStatusCompleted, item.Status)
	assert.Empty(t, dispatcher.itemIDs)

	matches, err := store.Query(ctx, 1, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestItemService_UpdateItem_ContentChangeTriggersReembed(t *testing.T) {
	store := knowledge.NewMemoryVectorStore()
	ctx := context.Background()

	vectorID, err := store.Insert(ctx, knowledge.VectorEntry{ItemID: 7, KnowledgeBaseID: 1, Embedding: []float32{1, 0}})
	require.NoError(t, err)

	svc, mock, dispatcher := newItemService(t, store)
	hash := knowledge.ContentHash("UPPER", "detail", "desc")

	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(fullItemRows(7, 1, "UPPER", "detail", "desc", models.ItemStatusCompleted, hash, vectorID))
	mock.ExpectExec(`UPDATE "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(fullItemRows(7, 1, "UPPER", "new detail", "desc", models.ItemStatusPending, knowledge.ContentHash("UPPER", "new detail", "desc"), ""))

	detail := "new detail"
	item, err := svc.UpdateItem(ctx, 7, UpdateItemRequest{Detail: &detail})
	require.NoError(t, err)

	// 内容变化：回到pending、旧向量删除、重新投递
	assert.Equal(t, models.ItemStatusPending, item.Status)
	assert.Equal(t, []uint{7}, dispatcher.itemIDs)

	matches, err := store.Query(ctx, 1, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestItemService_DeleteItems(t *testing.T) {
	store := knowledge.NewMemoryVectorStore()
	ctx := context.Background()

	_, err := store.Insert(ctx, knowledge.VectorEntry{ItemID: 7, KnowledgeBaseID: 1, Embedding: []float32{1, 0}})
	require.NoError(t, err)

	svc, mock, _ := newItemService(t, store)

	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(fullItemRows(7, 1, "UPPER", "detail", "desc", models.ItemStatusCompleted, "", "vec-1"))
	mock.ExpectExec(`DELETE FROM "knowledge_items"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.DeleteItems(ctx, 1, []uint{7}))
	assert.NoError(t, mock.ExpectationsWereMet())

	// 向量与数据库行一起消失
	matches, err := store.Query(ctx, 1, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestItemService_DeleteItems_RowDeleteFailureKeepsVectors(t *testing.T) {
	store := knowledge.NewMemoryVectorStore()
	ctx := context.Background()

	_, err := store.Insert(ctx, knowledge.VectorEntry{ItemID: 7, KnowledgeBaseID: 1, Embedding: []float32{1, 0}})
	require.NoError(t, err)

	svc, mock, _ := newItemService(t, store)

	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(fullItemRows(7, 1, "UPPER", "detail", "desc", models.ItemStatusCompleted, "", "vec-1"))
	mock.ExpectExec(`DELETE FROM "knowledge_items"`).
		WillReturnError(errors.New("connection reset"))

	err = svc.DeleteItems(ctx, 1, []uint{7})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeDatabaseError, apperrors.GetAppError(err).Code)

	// 行没删掉时completed条目的向量必须原样保留
	matches, err := store.Query(ctx, 1, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestItemService_DeleteItems_NotFound(t *testing.T) {
	svc, mock, _ := newItemService(t, knowledge.NewMemoryVectorStore())

	mock.ExpectQuery(`SELECT \* FROM "knowledge_items"`).
		WillReturnRows(sqlmock.NewRows([]string{"item_id"}))

	err := svc.DeleteItems(context.Background(), 1, []uint{404})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeResourceNotFound, apperrors.GetAppError(err).Code)
}

func TestItemService_AddItems_ValidatesFields(t *testing.T) {
	svc, mock, dispatcher := newItemService(t, knowledge.NewMemoryVectorStore())

	mock.ExpectQuery(`SELECT \* FROM "knowledge_bases"`).WillReturnRows(kbRows())

	_, err := svc.AddItems(context.Background(), 1, []AddItemRequest{
		{Keyword: "UPPER", Detail: "detail"},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetAppError(err).Code)
	assert.Empty(t, dispatcher.itemIDs)
}

func TestValidateItemFields(t *testing.T) {
	assert.NoError(t, validateItemFields("UPPER", "detail", "desc", "function", "(func)"))

	err := validateItemFields("", "detail", "desc", "function", "(func)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keyword")

	err = validateItemFields("UPPER", "  ", "desc", "function", "(func)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detail")
}
