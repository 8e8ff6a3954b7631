// Package student содержит доменную модель студента IVR Tutor.
//
// Студент идентифицируется нормализованным номером телефона (E.164).
// Запись создаётся при первом звонке, обновляется при смене языка
// и никогда не удаляется: вместо удаления номер анонимизируется,
// а история прогресса остаётся для аналитики.
//
// # Основные типы
//
//   - Student: номер, язык, записи на предметы, статус
//   - Enrollment: предмет и его приоритет в голосовом меню
//   - Repository, Cache: порты хранения (реализации в infrastructure/persistence)
//
// # Пример
//
//	s, err := student.NewStudent(student.NewStudentParams{
//	    ID:       shared.StudentID(uuid.NewString()),
//	    Phone:    phone,
//	    Language: "sw",
//	    Now:      time.Now(),
//	})
//	_ = s.Enroll("math", 1, time.Now())
//	subjects := s.MenuSubjects() // порядок меню
package student
