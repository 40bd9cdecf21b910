package mcpserver

// ChunkFormatContract describes how chunks are stored on disk, for LLM
// consumers that read or add content.
const ChunkFormatContract = `# PKB Chunk Format Contract

Content lives in directories. Each directory is a folder of chunk files that
is replicated to the owner's paired devices. There are three kinds of chunk.

## TextNote and StructuredData: ` + "`" + `.js.md` + "`" + ` entries

The first line is a single-line JSON header. The rest is Markdown.

` + "```" + `
{"__dbType":"TextNote","created_at":"2025-03-01T10:00:00Z","title":"Groceries"}

# Groceries

- oat milk
- coffee
` + "```" + `

1. **` + "`" + `__dbType` + "`" + ` is required.** It is ` + "`" + `TextNote` + "`" + ` for notes and the
   caller-chosen type name (e.g. ` + "`" + `Recipe` + "`" + `) for structured data.
2. **Reserved header keys** are ` + "`" + `__dbType` + "`" + `, ` + "`" + `id` + "`" + `, ` + "`" + `created_at` + "`" + `,
   ` + "`" + `modified_at` + "`" + ` and ` + "`" + `title` + "`" + `. Structured data fields are spread into the header
   next to them and must not reuse a reserved key other than ` + "`" + `title` + "`" + `.
3. **Timestamps** are RFC 3339 strings in UTC.
4. A Markdown file without a header is read as a TextNote whose title is its
   first level-1 heading.

## MediaLink: ` + "`" + `.mln` + "`" + ` files

The file holds exactly one URL and nothing else (no trailing newline).

## File names

Generated names are ` + "`" + `<unix-seconds>[ <title>].<ext>` + "`" + `, with ` + "`" + `/ \ : * ? " < > |` + "`" + `
in the title replaced by ` + "`" + `_` + "`" + `. Pass a path ending in ` + "`" + `/` + "`" + ` to generate a name
inside a sub-folder. Removed chunks are renamed to ` + "`" + `<path>.deleted` + "`" + `.

## References

Every chunk added or seen is recorded in the stream with a reference of the form

` + "```" + `
pkb://<emoji identity>/<directory>/<path>?v=<commit>
` + "```" + `

Pass such a reference to the ` + "`" + `see` + "`" + ` tool to record that you came across it.
`
