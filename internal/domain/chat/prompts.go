package chat

import "github.com/ehr/assistant/internal/domain/access"

var suggestedPrompts = map[access.Role][]string{
	access.RolePatient: {
		"What are my recent lab results?",
		"What medications am I currently taking?",
		"When is my next appointment?",
		"What does my blood pressure reading mean?",
		"What is a normal A1c range?",
	},
	access.RoleDoctor: {
		"Show me the latest labs for patient [name]",
		"What medications is patient [name] taking?",
		"What is the treatment protocol for hypertension?",
		"Explain the side effects of metformin",
		"What are the latest guidelines for diabetes management?",
	},
	access.RoleHospital: {
		"How many patients were seen this month?",
		"How many appointments were booked last month?",
		"What is the age distribution of our patients?",
		"How many encounters do patients have on average?",
		"What is the gender breakdown of our patient population?",
	},
}

// SuggestedPrompts returns example questions that the role's permissions
// can answer, with or without a classification model.
func SuggestedPrompts(r access.Role) []string {
	return append([]string(nil), suggestedPrompts[r]...)
}
