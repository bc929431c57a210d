package backup

var (
	_ Snapshotter = (*SQLiteSnapshotter)(nil)
	_ Snapshotter = (*MySQLSnapshotter)(nil)
	_ Encryptor   = (*FileEncryptor)(nil)
	_ Transporter = (*StoreTransporter)(nil)
	_ Destination = (*LocalDestination)(nil)
	_ Notifier    = (*NotificationManager)(nil)

	_ remoteStore = (*s3Store)(nil)
	_ remoteStore = (*azureStore)(nil)
	_ remoteStore = (*gcsStore)(nil)
	_ remoteStore = (*sftpStore)(nil)
)
