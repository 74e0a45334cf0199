// Copyright 2025-2026 Carbon AI Chatbot Authors. All rights reserved.

// carbonrag 是碳排放领域知识库的混合检索命令行工具。
//
// 提供语料索引构建、混合检索与运行时统计三个子命令，
// 组合根在 main 包中显式装配全部组件。
package main
