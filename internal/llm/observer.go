package llm

// Observer 接收LLM调用与缓存操作的结果上报
// 由指标层实现，未设置时不上报
type Observer interface {
	RecordLLMCall(outcome string)
	RecordCacheOperation(outcome string)
}
