package db

const schema = `
CREATE TABLE IF NOT EXISTS posts (
    id          INTEGER PRIMARY KEY,
    user_id     INTEGER NOT NULL,
    user_name   TEXT NOT NULL,
    karma       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_posts_user ON posts(user_id);

CREATE TABLE IF NOT EXISTS replies (
    id          INTEGER PRIMARY KEY,
    user_id     INTEGER NOT NULL,
    user_name   TEXT NOT NULL,
    karma       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_replies_user ON replies(user_id);
`
