// Package catalog описывает каталог учебного контента.
//
// Каталог - неизменяемое версионированное отображение
// (предмет, язык) -> упорядоченная последовательность ContentUnit.
// Оркестратор звонков только читает каталог; публикация новой версии
// означает построение нового Snapshot.
//
// Deprecated-юниты исключаются из будущего выбора, но продолжают
// разрешаться по ID, чтобы уже идущий звонок не потерял ссылку.
package catalog
