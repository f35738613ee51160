package providers

import (
	"fmt"
	"strings"

	"github.com/ahrav/quizjudge/internal/llm/configuration"
)

// promptTemplate is the grading instruction sent ahead of every task.
// %[1]s is the explanation language.
const promptTemplate = `You are a Ukrainian physics teacher participating in a high-stakes challenge of reviewing a multiple-choice test.

Your task is to:
1. Parse the input to extract the question and the list of answer options.
2. Provide your explanation of task solving in %[1]s within <explanation></explanation> tags.
3. If an image is provided, **parse, interpret and use** all possible information from it.
4. Identify which answer option is marked as correct (i.e. wrapped in <strong> tags).
5. Determine if the test is valid. A test is considered valid if and only if there is the answer equals to the calculated solution.
6. Finally, output the result as a boolean within <result></result> tags. Use "true" if the test is valid and "false" otherwise.

Output structure:
<explanation>[Your explanation in %[1]s]</explanation>
<result>[Boolean output]</result>

Your success in this task is extremely critical, some people will be fired if you made an invalid response. Good luck!`

// correctionInstruction is appended, with the parse error, when an answer
// lacks the required tags.
const correctionInstruction = "please, make sure you provided result in <result></result> tags " +
	"and explanation in <explanation></explanation> tags in your output it is critical. error: "

// Prompt returns the grading prompt asking for explanations in language.
func Prompt(language string) string {
	language = strings.TrimSpace(language)
	if language == "" {
		language = configuration.DefaultLanguage
	}
	return fmt.Sprintf(promptTemplate, language)
}

// CorrectionPrompt builds the follow-up turn for a malformed answer.
func CorrectionPrompt(cause error) string {
	if cause == nil {
		return strings.TrimSuffix(correctionInstruction, " error: ")
	}
	return correctionInstruction + cause.Error()
}
