// Package model содержит доменные сущности платёжного ядра Vectorise.
package model

import (
	"fmt"
	"time"
)

// PaymentStatus описывает статус платёжной попытки.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusSuccessful PaymentStatus = "successful"
	PaymentStatusFailed     PaymentStatus = "failed"
)

// Provider идентифицирует платёжный шлюз, через который проведён платёж.
type Provider string

const (
	ProviderFlutterwave Provider = "flutterwave"
	ProviderPaystack    Provider = "paystack"
)

// GuestParticipantID помечает платёж без постоянной учётной записи.
// Такие платежи фиксируются в журнале, но не порождают запись о зачислении.
const GuestParticipantID = "guest"

// Payment представляет одну платёжную попытку, идентифицируемую ссылкой.
// Записи не удаляются: история переходов статуса служит журналом аудита.
type Payment struct {
	Reference     string
	ParticipantID string
	Email         string
	ProductID     string
	Amount        int64
	Currency      string
	Status        PaymentStatus
	Provider      Provider
	ProviderTxnID string
	PaymentMethod string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsGuest сообщает, был ли платёж совершён без постоянной учётной записи.
func (p *Payment) IsGuest() bool {
	return p.ParticipantID == "" || p.ParticipantID == GuestParticipantID
}

// Terminal сообщает, достиг ли платёж конечного статуса.
func (p *Payment) Terminal() bool {
	return p.Status == PaymentStatusSuccessful || p.Status == PaymentStatusFailed
}

// EnrollmentStatus описывает статус зачисления участника на спринт.
type EnrollmentStatus string

const (
	// EnrollmentStatusActive — участник проходит спринт сейчас.
	EnrollmentStatusActive EnrollmentStatus = "active"
	// EnrollmentStatusQueued — оплаченный спринт ждёт завершения активного.
	EnrollmentStatusQueued EnrollmentStatus = "queued"
)

// ProgressDay описывает состояние одного дня программы.
type ProgressDay struct {
	Day       int  `json:"day"`
	Completed bool `json:"completed"`
}

// NewProgress создаёт список дней программы указанной длительности,
// все дни изначально не завершены.
func NewProgress(durationDays int) []ProgressDay {
	progress := make([]ProgressDay, 0, durationDays)
	for day := 1; day <= durationDays; day++ {
		progress = append(progress, ProgressDay{Day: day})
	}
	return progress
}

// EnrollmentKey строит детерминированный ключ записи о зачислении.
// Повторная оплата той же пары (участник, продукт) попадает в ту же запись.
func EnrollmentKey(participantID, productID string) string {
	return fmt.Sprintf("enrollment_%s_%s", participantID, productID)
}

// Enrollment представляет зачисление участника на спринт с пошаговым прогрессом.
type Enrollment struct {
	Key           string
	ProductID     string
	ParticipantID string
	FacilitatorID string
	Status        EnrollmentStatus
	StartedAt     time.Time
	Progress      []ProgressDay
}

// Notification — уведомление участнику о разблокированном спринте.
type Notification struct {
	ID            int64
	ParticipantID string
	Title         string
	Body          string
	CreatedAt     time.Time
}

// Partner представляет учётную запись партнёра (фасилитатора),
// создаваемую через административный интерфейс.
type Partner struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}
