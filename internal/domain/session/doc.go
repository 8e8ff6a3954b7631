// Package session - конечный автомат звонка.
//
// Состояния: Greeting -> MenuSelect -> LessonPlayback -> QuizPrompt ->
// QuizAwaitAnswer -> QuizFeedback -> LessonAdvance -> Closing.
//
// Transition - чистая функция (сессия, событие, окружение) -> (сессия,
// ответ телефонии, намерения). Хранилища, SMS и логирование живут в
// оркестраторе; автомат тестируется синтетическими последовательностями событий.
package session
