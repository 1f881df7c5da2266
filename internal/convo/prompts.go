package convo

import (
	"strings"

	"github.com/halvick/parley/internal/retrieval"
	"github.com/halvick/parley/pkg/provider/llm"
)

// rewriteSystemPrompt instructs the model to act purely as a question
// rewriter: resolve references against the chat history, or return the
// question untouched when it already stands alone. It must never answer.
const rewriteSystemPrompt = "给定一段聊天历史和用户最新的一个问题，" +
	"该问题可能引用了聊天历史中的上下文。" +
	"你的任务是将这个问题改写成一个独立的、无需聊天历史就能被完全理解的新问题。" +
	"【重要规则】如果用户的问题本身已经是一个独立的、完整的句子，并且不需要参考聊天历史就能理解，那么请【直接原样返回】该问题，不要做任何修改或添加任何额外内容。" +
	"请注意，你的唯一任务是改写或确认问题，绝对不要回答问题。"

// answerSystemPrompt constrains the model to the retrieved context and pins
// the exact wording of the no-knowledge reply so the post-processor's trigger
// phrases can detect it. The retrieved passages are appended after the
// divider.
const answerSystemPrompt = "你是一位热情、专业的“人工智能＋社会工作”创新应用大赛的官方赛事助手。" +
	"你的任务是根据提供的背景知识，亲切并准确地回答参赛人员的各种问题，不允许自由发挥，严格基于知识库回答问题。" +
	"请遵循以下沟通指南：\n" +
	"1. **语气友好亲切**：总是使用鼓励和欢迎的语气。\n" +
	"2. **回答精准**：严格基于下面提供的“上下文”信息进行回答。\n" +
	"3. **【处理未知问题的铁律】**：如果上下文中没有提到相关信息，或者根据上下文无法回答用户的问题，你的回答【必须且只能】是“关于这个问题，我暂时还没有学到相关的知识呢，建议您关注我们的官方通知获取最新信息。”，【禁止】做任何形式的修改或自由发挥。\n" +
	"4. **【格式铁律】**：你的最终回复【绝对禁止】包含任何表情符号或Markdown格式。\n" +
	"\n上下文:\n" +
	"----------------\n"

// summarizePrompt turns a long written answer into a short spoken one. The
// text to summarise is appended after the divider; the whole thing is sent
// as a single user message.
const summarizePrompt = "你是一个专业的口语表达专家。" +
	"你的任务是将以下提供的详细文本，概括成一段简短、自然、易于口头表达的核心摘要。" +
	"请遵循以下规则：\n" +
	"1. **极其简练**：只保留最重要的核心要点。\n" +
	"2. **口语化**：使用像日常对话一样的语言，避免书面语。\n" +
	"3. **直接回答**：不要说“好的，这是概括...”或类似的前缀，直接输出概括后的内容。\n" +
	"4. **保持原意**：确保概括后的内容与原文意思一致，不添加任何额外信息。\n" +
	"\n需要概括的详细文本：\n" +
	"----------------\n"

// historyMessages converts recorded turns into completion messages.
func historyMessages(turns []Turn) []llm.Message {
	msgs := make([]llm.Message, len(turns))
	for i, t := range turns {
		msgs[i] = llm.Message{Role: t.Role, Content: t.Text}
	}
	return msgs
}

// buildRewriteRequest asks the model for a standalone rewrite of question,
// given the chat history.
func buildRewriteRequest(turns []Turn, question string) llm.CompletionRequest {
	msgs := historyMessages(turns)
	msgs = append(msgs, llm.Message{Role: RoleUser, Content: question})
	return llm.CompletionRequest{
		SystemPrompt: rewriteSystemPrompt,
		Messages:     msgs,
	}
}

// buildAnswerRequest stuffs the retrieved passages into the answer system
// prompt. question is the user's original question; the rewritten form is
// only used for retrieval, never shown to the answering model.
func buildAnswerRequest(turns []Turn, question string, candidates []retrieval.Candidate) llm.CompletionRequest {
	var ctxText strings.Builder
	for i, c := range candidates {
		if i > 0 {
			ctxText.WriteString("\n\n")
		}
		ctxText.WriteString(c.Content)
	}

	msgs := historyMessages(turns)
	msgs = append(msgs, llm.Message{Role: RoleUser, Content: question})
	return llm.CompletionRequest{
		SystemPrompt: answerSystemPrompt + ctxText.String(),
		Messages:     msgs,
	}
}

// buildSummarizeRequest asks the model for a spoken-form summary of text.
func buildSummarizeRequest(text string) llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages: []llm.Message{{Role: RoleUser, Content: summarizePrompt + text}},
	}
}
