package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// testStudentNumber is the reserved number teachers use to try the app.
const testStudentNumber = "1111"

// StudentInfo is the class and seat encoded in a four digit student number.
type StudentInfo struct {
	ClassNum int
	SeatNum  int
	Display  string
}

// ParseStudentNumber decodes "4CSS" (grade 4, class C, seat SS) and "5SSS"
// (lab class 5, seat SSS). Other shapes report false.
func ParseStudentNumber(number string) (StudentInfo, bool) {
	number = strings.TrimSpace(number)
	if number == testStudentNumber {
		return StudentInfo{Display: "テスト"}, true
	}
	if len(number) != 4 {
		return StudentInfo{}, false
	}
	var class, seat int
	var err error
	switch number[0] {
	case '4':
		class, err = strconv.Atoi(number[1:2])
		if err != nil {
			return StudentInfo{}, false
		}
		seat, err = strconv.Atoi(number[2:])
	case '5':
		class = 5
		seat, err = strconv.Atoi(number[1:])
	default:
		return StudentInfo{}, false
	}
	if err != nil {
		return StudentInfo{}, false
	}
	return StudentInfo{ClassNum: class, SeatNum: seat, Display: classDisplay(class, seat)}, true
}

func classDisplay(class, seat int) string {
	return fmt.Sprintf("%d組%d番", class, seat)
}

// resolveClassSeat derives class, seat and display text from a student number
// and an optional class value.
func resolveClassSeat(studentNumber, classNumber string) (*int, *int, string) {
	if info, ok := ParseStudentNumber(studentNumber); ok {
		class, seat := info.ClassNum, info.SeatNum
		return &class, &seat, info.Display
	}
	class, errC := strconv.Atoi(NormalizeClass(classNumber))
	seat, errS := strconv.Atoi(strings.TrimSpace(studentNumber))
	if errC != nil || errS != nil {
		return nil, nil, studentNumber
	}
	if class == 0 || seat == 0 {
		return &class, &seat, studentNumber
	}
	return &class, &seat, classDisplay(class, seat)
}

// NewLearningLogEntry builds a learning log line stamped with now.
func NewLearningLogEntry(now time.Time, studentNumber, classNumber, unit, logType string, data map[string]any) LearningLogEntry {
	class, seat, display := resolveClassSeat(studentNumber, classNumber)
	if data == nil {
		data = map[string]any{}
	}
	return LearningLogEntry{
		Timestamp:     now.Format(TimestampLayout),
		StudentNumber: studentNumber,
		ClassNum:      class,
		SeatNum:       seat,
		ClassDisplay:  display,
		Unit:          unit,
		LogType:       logType,
		Data:          data,
	}
}

// NewErrorLogEntry builds an error log line stamped with now.
func NewErrorLogEntry(now time.Time, studentNumber, classNumber, message, errorType, stage, unit string, info map[string]any) ErrorLogEntry {
	display := studentNumber
	class, errC := strconv.Atoi(NormalizeClass(classNumber))
	seat, errS := strconv.Atoi(strings.TrimSpace(studentNumber))
	if errC == nil && errS == nil && class != 0 && seat != 0 {
		display = classDisplay(class, seat)
	}
	if info == nil {
		info = map[string]any{}
	}
	return ErrorLogEntry{
		Timestamp:      now.Format(TimestampLayout),
		StudentNumber:  studentNumber,
		ClassNumber:    classNumber,
		ClassDisplay:   display,
		ErrorMessage:   message,
		ErrorType:      errorType,
		Stage:          stage,
		Unit:           unit,
		AdditionalInfo: info,
	}
}
