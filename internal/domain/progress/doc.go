// Package progress содержит прогресс студента по предметам.
//
// Сессия звонка не пишет записи напрямую: она выпускает Update, а писатель
// оркестратора применяет его к свежей записи (Apply) и сохраняет через Store
// с оптимистичной блокировкой (CheckUpsert).
package progress
