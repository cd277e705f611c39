package memoir

// Questions is the fixed, ordered question bank presented one per cycle.
var Questions = [...]string{
	"Tell me about a moment in your life that made you feel proud.",
	"Describe a challenge you faced and how you overcame it.",
	"What's a memory that still makes you smile today?",
	"Who is someone that deeply impacted your life?",
	"What advice would you give to your younger self?",
}

// QuestionCount is the number of rewrite cycles in a complete interview.
const QuestionCount = len(Questions)

// ClosingMessage is returned by QuestionAt for any index outside the bank.
const ClosingMessage = "Thank you for sharing your memories."

// QuestionAt returns the bank entry at index, or ClosingMessage when index is
// out of range.
func QuestionAt(index int) string {
	if index >= 0 && index < QuestionCount {
		return Questions[index]
	}
	return ClosingMessage
}
