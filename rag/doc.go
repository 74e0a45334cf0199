// Copyright 2025-2026 Carbon AI Chatbot Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

Package rag 提供混合检索与缓存引擎的完整实现。

该包覆盖检索管线的全部阶段：文档分块、持久化向量存储、BM25 词法索引、
概念图扩展、向量/词法/图三路信号融合，以及索引完整性管理
（嵌入维度不匹配检测与备份后重建）。

# 核心接口/类型

  - EmbeddingProvider — 外部嵌入提供者接口（Embed / Dimension）
  - Tokenizer — 分块专用分词器接口（tiktoken 适配器 / 估算器）
  - GraphIndex — 可选的概念图扩展接口，缺失时引擎自动降级
  - ChunkStore — 磁盘持久化的块存储（SQLite，余弦距离检索）
  - Engine — 检索引擎，封装缓存层与三路融合

# 主要能力

  - 语义分块：段落累积 + 句子边界强制切分 + 重叠延续（SemanticChunker）
  - 混合检索：加权平均与 RRF 两种融合模式（Engine.Search）
  - 图扩展：概念连接优先于结构相邻，boost 取多父最大值
  - 完整性管理：维度探针 → 时间戳备份 → 全量重建（IntegrityManager）
  - 降级策略：单个子系统超时不影响整体查询
*/
package rag
