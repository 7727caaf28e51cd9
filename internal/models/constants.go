package models

const (
	ContextSeparator = "\n\n"
	ThinkTag         = `(?s)<think>.*?</think>`
)

var (
	SystemPrompt = `You are an assistant answering questions about regulatory documents. Use only the provided context.`

	AnswerPromptTemplate = `Based on the following context from the source documents, answer the question accurately and comprehensively.

Context:
%s

Question: %s

Instructions:
- Answer based only on the provided context
- If the context doesn't contain sufficient information, say so
- Provide specific details and references when available
- Be precise and professional in your response

Answer:`

	ContextPromptTemplate = `<document>
%s
</document>
Here is the chunk we want to situate within the whole document
<chunk>
%s
</chunk>
Please give a short succinct context to situate this chunk within the overall document for the purposes of improving search retrieval of the chunk. Answer only with the succinct context and nothing else.
`

	// GradePromptTemplate asks for a correctness verdict against a reference answer.
	GradePromptTemplate = `You are a teacher grading a quiz.
You are given a question, the student's answer, and the true answer, and are asked to score the student answer as either CORRECT or INCORRECT.
Grade the student answers based ONLY on their factual accuracy. Ignore differences in punctuation and phrasing between the student answer and true answer. It is OK if the student answer contains more information than the true answer, as long as it does not contain any conflicting statements.

QUESTION: %s
STUDENT ANSWER: %s
TRUE ANSWER: %s
GRADE:`

	// HelpfulnessPromptTemplate asks whether an answer is helpful, ending with Y or N.
	HelpfulnessPromptTemplate = `You are assessing a submitted answer on a given task or input based on a set of criteria. Here is the data:
[BEGIN DATA]
***
[Input]: %s
***
[Submission]: %s
***
[Criteria]: helpfulness: Is the submission helpful, insightful, and appropriate? If so, respond Y. If not, respond N.
***
[END DATA]
Does the submission meet the Criteria? First, write out in a step by step manner your reasoning about each criterion to be sure that your conclusion is correct. Avoid simply stating the correct answers at the outset. Then print only the single character "Y" or "N" (without quotes or punctuation) on its own line corresponding to the correct answer of whether the submission meets all criteria. At the end, repeat just the letter again by itself on a new line.`

	NoContextAnswer = "I couldn't find relevant information to answer your question."
)
