package mcpserver

const fence = "```"

// NoteFormatContract describes the note format the indexer understands.
// Clients should follow it when they create or edit notes.
const NoteFormatContract = `# Bedrock Note Format

A note is a UTF-8 Markdown file whose path ends in ` + "`.md`" + `. Paths are
relative to the vault root and use forward slashes. Files and folders
starting with a dot are ignored.

## Frontmatter

An optional YAML block delimited by ` + "`---`" + ` lines at the very top of the file.

` + fence + `markdown
---
title: Weekly standup        # shown in listings and the graph
tags: [meeting, project-x]   # list or comma separated string
aliases: [standup]           # alternative names, kept in metadata
---
` + fence + `

Without a title the first level-1 heading is used.

## Links

- ` + "`[[note]]`" + ` links by name. The target resolves to the note whose file
  name (without ` + "`.md`" + `) matches; ` + "`[[folder/note]]`" + ` narrows it by path.
- ` + "`[[note|shown text]]`" + ` sets the display text.
- ` + "`[[note#Heading]]`" + ` and ` + "`[[note#^block-id]]`" + ` point inside a note.
- ` + "`![[image.png]]`" + ` embeds a file.
- ` + "`[text](other%20note.md)`" + ` Markdown links to vault files are links too.
  Absolute URLs (https:, mailto:) are never notes.

When two notes share a name the link resolves to the one with the shortest
path. Links that match nothing are reported as unresolved.

## Tags and blocks

- ` + "`#tag`" + ` and ` + "`#nested/tag`" + ` anywhere in the body, outside code.
- ` + "`^block-id`" + ` at the end of a paragraph names it for block links.

## Renames

Use the rename_note tool to move a note. It rewrites every link pointing at
the old path and keeps display text and subpaths intact.

## Attachments

Upload images and PDFs with the upload_asset tool. They are stored flat in
the ` + "`attachments/`" + ` directory and referenced as
` + "`![description](/attachments/file.png)`" + `.
`
