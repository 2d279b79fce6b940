package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	// pgx-драйвер в режиме database/sql
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/egor/ecochatwidget/models"
)

const dbQueryTimeout = 5 * time.Second

// pgStorage — хранилище на PostgreSQL. Выбирается, когда задан PG_HOST;
// схема создается автоматически.
type pgStorage struct {
	db *sql.DB
}

// NewPostgresStorage открывает пул соединений, проверяет подключение,
// создает схему и при пустой таблице admins заводит оператора по
// умолчанию — свежая база работает без ручной инициализации.
func NewPostgresStorage(adminEmail, adminPassword string) (Storage, error) {
	db, err := sql.Open("pgx", buildDSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// Параметры пула
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}

	s := &pgStorage{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.seedAdmin(adminEmail, adminPassword); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Println("[backend] PostgreSQL connected ✓")
	return s, nil
}

// seedAdmin создает оператора по умолчанию, если таблица admins пуста.
func (s *pgStorage) seedAdmin(email, password string) error {
	if email == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbQueryTimeout)
	defer cancel()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM admins").Scan(&count); err != nil {
		return fmt.Errorf("проверка операторов: %w", err)
	}
	if count > 0 {
		return nil
	}

	admin, err := defaultAdmin(email, password)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO admins (id,name,email,password_hash,role,active)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		admin.ID, admin.Name, admin.Email, admin.PasswordHash, admin.Role, admin.Active,
	); err != nil {
		return fmt.Errorf("создание оператора по умолчанию: %w", err)
	}

	log.Printf("[backend] создан оператор по умолчанию: %s", email)
	return nil
}

func buildDSN() string {
	host := env("PG_HOST", "localhost")
	port := env("PG_PORT", "5432")
	user := env("PG_USER", "postgres")
	password := os.Getenv("PG_PASSWORD") // может быть пустым
	dbname := env("PG_DATABASE", "ecochat")
	sslmode := env("PG_SSL_MODE", "disable")

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode,
	)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (s *pgStorage) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), dbQueryTimeout)
	defer cancel()

	schema := []string{
		`CREATE TABLE IF NOT EXISTS admins (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'admin',
			active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			user_name TEXT,
			subject TEXT,
			assistant_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY,
			chat_id UUID NOT NULL REFERENCES chats(id),
			content TEXT NOT NULL,
			sender TEXT NOT NULL,
			sender_id UUID,
			timestamp TIMESTAMPTZ NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, timestamp)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("создание схемы: %w", err)
		}
	}
	return nil
}

func (s *pgStorage) CreateChat(ctx context.Context, user models.User, subject, assistantType, initialMessage string) (*models.Chat, error) {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	chatID := uuid.New()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id,user_id,user_name,subject,assistant_type,status,created_at,updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		chatID, user.ID, user.Name, subject, assistantType, models.StatusOpen, now, now,
	); err != nil {
		return nil, fmt.Errorf("создание чата: %w", err)
	}

	msgID := uuid.New()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id,chat_id,content,sender,sender_id,timestamp,type)
		VALUES ($1,$2,$3,$4,$5,$6,'text')`,
		msgID, chatID, initialMessage, models.SenderUser, user.ID, now,
	); err != nil {
		return nil, fmt.Errorf("вставка приветствия: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return s.GetChat(context.Background(), chatID)
}

func (s *pgStorage) GetChat(ctx context.Context, chatID uuid.UUID) (*models.Chat, error) {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	chat := &models.Chat{ID: chatID}
	var userName sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, user_name, COALESCE(subject,''), assistant_type, status, created_at, updated_at
		FROM chats WHERE id=$1`, chatID,
	).Scan(&chat.User.ID, &userName, &chat.Subject, &chat.AssistantType,
		&chat.Status, &chat.CreatedAt, &chat.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение чата: %w", err)
	}
	if userName.Valid {
		chat.User.Name = userName.String
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, sender, sender_id, timestamp, type, metadata
		FROM messages WHERE chat_id=$1 ORDER BY timestamp, id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("чтение сообщений: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg := models.Message{ChatID: chatID}
		var senderID sql.NullString
		var metaJSON []byte
		if err := rows.Scan(&msg.ID, &msg.Content, &msg.Sender, &senderID,
			&msg.Timestamp, &msg.Type, &metaJSON); err != nil {
			return nil, fmt.Errorf("чтение сообщения: %w", err)
		}
		if senderID.Valid {
			if id, err := uuid.Parse(senderID.String); err == nil {
				msg.SenderID = id
			}
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &msg.Metadata)
		}
		chat.Messages = append(chat.Messages, msg)
	}
	return chat, rows.Err()
}

func (s *pgStorage) AddMessage(ctx context.Context, chatID uuid.UUID, content, sender string, senderID uuid.UUID, meta map[string]interface{}) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Проверяем, существует ли чат
	var ok bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM chats WHERE id=$1)", chatID,
	).Scan(&ok); err != nil {
		return nil, fmt.Errorf("проверка чата: %w", err)
	}
	if !ok {
		return nil, ErrChatNotFound
	}

	now := time.Now()
	msgID := uuid.New()
	var metaJSON []byte
	if meta != nil {
		metaJSON, _ = json.Marshal(meta)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id,chat_id,content,sender,sender_id,timestamp,type,metadata)
		VALUES ($1,$2,$3,$4,$5,$6,'text',$7)`,
		msgID, chatID, content, sender, senderID, now, metaJSON,
	); err != nil {
		return nil, fmt.Errorf("вставка сообщения: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE chats SET updated_at=$1 WHERE id=$2", now, chatID,
	); err != nil {
		return nil, fmt.Errorf("обновление чата: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &models.Message{
		ID:        msgID,
		ChatID:    chatID,
		Content:   content,
		Sender:    sender,
		SenderID:  senderID,
		Timestamp: now,
		Type:      "text",
		Metadata:  meta,
	}, nil
}

func (s *pgStorage) SetStatus(ctx context.Context, chatID uuid.UUID, status string) error {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		"UPDATE chats SET status=$1, updated_at=$2 WHERE id=$3", status, time.Now(), chatID)
	if err != nil {
		return fmt.Errorf("обновление статуса: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	return nil
}

func (s *pgStorage) ListChats(ctx context.Context, page, size int) ([]models.ChatResponse, int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	if page < 1 {
		page = 1
	}
	if size < 1 || size > MaxPageSize {
		size = DefaultPageSize
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chats").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("подсчет чатов: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(user_name,''), COALESCE(subject,''), status, created_at, updated_at
		FROM chats ORDER BY updated_at DESC LIMIT $1 OFFSET $2`,
		size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("чтение чатов: %w", err)
	}
	defer rows.Close()

	var out []models.ChatResponse
	for rows.Next() {
		var resp models.ChatResponse
		if err := rows.Scan(&resp.ID, &resp.User.ID, &resp.User.Name, &resp.Subject,
			&resp.Status, &resp.CreatedAt, &resp.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("чтение чата: %w", err)
		}
		out = append(out, resp)
	}
	return out, total, rows.Err()
}

func (s *pgStorage) GetAdmin(ctx context.Context, email string) (*models.Admin, error) {
	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	admin := &models.Admin{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, active
		FROM admins WHERE email=$1`, email,
	).Scan(&admin.ID, &admin.Name, &admin.Email, &admin.PasswordHash, &admin.Role, &admin.Active)
	if err == sql.ErrNoRows {
		return nil, ErrAdminNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("чтение администратора: %w", err)
	}
	return admin, nil
}

func (s *pgStorage) Close() error { return s.db.Close() }
